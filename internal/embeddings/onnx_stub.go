//go:build !onnx

package embeddings

import "github.com/xiy/chatmem/internal/fault"

// NewONNX is unavailable unless built with -tags onnx.
func NewONNX(ONNXOptions) (Provider, error) {
	return nil, fault.Invalid("onnx embeddings", "binary built without the onnx tag")
}
