package types

// FaceResult is one face reported by the encoder worker for a single frame
type FaceResult struct {
	Loc     []int     `json:"loc"`     // [top, right, bottom, left]
	Vec     []float64 `json:"vec"`     // face encoding
	Quality float64   `json:"quality"` // detector confidence / sharpness score
	Thumb   []byte    `json:"-"`       // JPEG crop of the face, may be empty
}

// Vectors returns the encodings of faces in detection order.
func Vectors(faces []FaceResult) [][]float64 {
	out := make([][]float64, len(faces))
	for i, f := range faces {
		out[i] = f.Vec
	}
	return out
}
