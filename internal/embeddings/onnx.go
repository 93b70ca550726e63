//go:build onnx

package embeddings

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/xiy/chatmem/internal/fault"
)

const onnxSeqLen = 128

// ONNXProvider runs a sentence-transformer (MiniLM family) locally and
// mean-pools the last hidden state.
type ONNXProvider struct {
	mu      sync.Mutex
	session *ort.DynamicAdvancedSession
	vocab   map[string]int
	dims    int
}

// NewONNX loads the model and tokenizer vocabulary.
func NewONNX(o ONNXOptions) (Provider, error) {
	if o.ModelPath == "" || o.TokenizerPath == "" {
		return nil, fault.Invalid("onnx embeddings", "onnx_model_path and onnx_tokenizer_path are required")
	}
	if o.Dimensions <= 0 {
		o.Dimensions = 384
	}
	if o.LibraryPath != "" {
		ort.SetSharedLibraryPath(o.LibraryPath)
	}
	if !ort.IsInitialized() {
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("initialize onnxruntime: %w", err)
		}
	}
	vocab, err := loadVocab(o.TokenizerPath)
	if err != nil {
		return nil, err
	}
	session, err := ort.NewDynamicAdvancedSession(o.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create onnx session: %w", err)
	}
	return &ONNXProvider{session: session, vocab: vocab, dims: o.Dimensions}, nil
}

func (p *ONNXProvider) Dimensions() int { return p.dims }

func (p *ONNXProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, fault.Wrap(fault.Timeout, "onnx embed", err)
	}
	ids, mask := p.encode(text)
	types := make([]int64, onnxSeqLen)
	shape := ort.NewShape(1, onnxSeqLen)

	idsT, err := ort.NewTensor(shape, ids)
	if err != nil {
		return nil, fmt.Errorf("input_ids tensor: %w", err)
	}
	defer idsT.Destroy()
	maskT, err := ort.NewTensor(shape, mask)
	if err != nil {
		return nil, fmt.Errorf("attention_mask tensor: %w", err)
	}
	defer maskT.Destroy()
	typesT, err := ort.NewTensor(shape, types)
	if err != nil {
		return nil, fmt.Errorf("token_type_ids tensor: %w", err)
	}
	defer typesT.Destroy()

	outputs := []ort.Value{nil}
	p.mu.Lock()
	err = p.session.Run([]ort.Value{idsT, maskT, typesT}, outputs)
	p.mu.Unlock()
	if err != nil {
		return nil, fault.Wrap(fault.ProviderUnavailable, "onnx embed", err)
	}
	defer outputs[0].Destroy()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fault.Wrap(fault.ProviderUnavailable, "onnx embed", fmt.Errorf("unexpected output type %T", outputs[0]))
	}
	shapeOut := out.GetShape()
	if len(shapeOut) != 3 || int(shapeOut[2]) != p.dims {
		return nil, fault.Wrap(fault.ProviderUnavailable, "onnx embed", fmt.Errorf("unexpected output shape %v", shapeOut))
	}
	data := out.GetData()
	vec := make([]float32, p.dims)
	var n float32
	for i := 0; i < int(shapeOut[1]); i++ {
		if mask[i] == 0 {
			continue
		}
		n++
		row := data[i*p.dims : (i+1)*p.dims]
		for j, v := range row {
			vec[j] += v
		}
	}
	if n > 0 {
		for j := range vec {
			vec[j] /= n
		}
	}
	return normalize(vec), nil
}

// Close destroys the session.
func (p *ONNXProvider) Close() error {
	return p.session.Destroy()
}

func (p *ONNXProvider) encode(text string) ([]int64, []int64) {
	ids := make([]int64, onnxSeqLen)
	mask := make([]int64, onnxSeqLen)
	ids[0], mask[0] = 101, 1 // [CLS]
	pos := 1
	for _, word := range strings.Fields(strings.ToLower(text)) {
		word = strings.Trim(word, ".,!?;:\"'")
		for _, piece := range p.wordPiece(word) {
			if pos >= onnxSeqLen-1 {
				break
			}
			ids[pos], mask[pos] = piece, 1
			pos++
		}
	}
	ids[pos], mask[pos] = 102, 1 // [SEP]
	return ids, mask
}

func (p *ONNXProvider) wordPiece(word string) []int64 {
	if word == "" {
		return nil
	}
	if id, ok := p.vocab[word]; ok {
		return []int64{int64(id)}
	}
	var out []int64
	for start := 0; start < len(word); {
		end := len(word)
		found := false
		for ; end > start; end-- {
			sub := word[start:end]
			if start > 0 {
				sub = "##" + sub
			}
			if id, ok := p.vocab[sub]; ok {
				out = append(out, int64(id))
				found = true
				break
			}
		}
		if !found {
			out = append(out, 100) // [UNK]
			end = start + 1
		}
		start = end
	}
	return out
}

func loadVocab(path string) (map[string]int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer: %w", err)
	}
	var doc struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("parse tokenizer: %w", err)
	}
	if len(doc.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer %s has no vocab", path)
	}
	return doc.Model.Vocab, nil
}
