package cropper

import "fmt"

// GeometryError reports a region that cannot be cropped
type GeometryError struct {
	RegionID string
	Err      error
}

func (e *GeometryError) Error() string {
	return fmt.Sprintf("region %s: %v", e.RegionID, e.Err)
}

func (e *GeometryError) Unwrap() error { return e.Err }

// RenderContextError reports that no destination raster could be prepared
type RenderContextError struct {
	Width, Height int
	Reason        string
}

func (e *RenderContextError) Error() string {
	if e.Width > 0 || e.Height > 0 {
		return fmt.Sprintf("render context %dx%d: %s", e.Width, e.Height, e.Reason)
	}
	return "render context: " + e.Reason
}

// EncodingError wraps a failure to encode the cropped raster
type EncodingError struct {
	Format Format
	Err    error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encode %s: %v", e.Format, e.Err)
}

func (e *EncodingError) Unwrap() error { return e.Err }
