package embeddings

// ONNXOptions locates a local sentence-transformer export.
type ONNXOptions struct {
	ModelPath     string
	TokenizerPath string
	LibraryPath   string
	Dimensions    int
}
