//go:build llamaserver

// Package llamaserver adapts an already-running llama.cpp server's
// OpenAI-compatible /v1/completions endpoint to the session.Context
// per-token contract, as an HTTP alternative to the cgo-backed
// internal/backend/llamacpp for deployments that would rather not carry a C
// toolchain. Like llamacpp, it has no access to raw per-token logits or an
// incremental evaluation step: the server re-runs the full prompt and does
// its own sampling on every completion request. This adapter buffers one
// streamed completion per generation cycle and replays its fragments one at
// a time, exactly as llamacpp's Predict bridge does.
package llamaserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"lmfacade/internal/backend"
	"lmfacade/pkg/session"
)

const eotSentinel = int32(-1)

// defaultBaseURL is used when LMFACADE_LLAMASERVER_URL is unset.
const defaultBaseURL = "http://127.0.0.1:8080"

// Module is the HTTP-backed llamaserver backend.Module. It claims GGUF
// files, leaving the legacy GGML/GGMF/GGJT formats to llamacpp.
type Module struct{}

// New returns the llamaserver Module, also usable as the NewModule symbol a
// `.so` plugin build of this package would export.
func New() backend.Module { return Module{} }

func (Module) Name() string { return "llamaserver" }

func (Module) Descriptor() backend.Descriptor { return backend.Descriptor{IsFallback: false} }

func (Module) Identify(header []byte) bool {
	return backend.ReadMagic(header) == backend.MagicGGUF
}

func (Module) Load(path string, file io.ReadSeekCloser, params session.Params) (session.Context, error) {
	// The server already has its model loaded; path only identifies which
	// model to request if the server is multi-model. The header handle the
	// façade opened for dispatch is not needed past this point.
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("llamaserver: closing header handle: %w", err)
	}

	baseURL := os.Getenv("LMFACADE_LLAMASERVER_URL")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &llamaContext{
		client:  &http.Client{Transport: tr, Timeout: 0},
		baseURL: strings.TrimRight(baseURL, "/"),
		modelID: path,
		params:  params,
	}, nil
}

type llamaContext struct {
	client  *http.Client
	baseURL string
	modelID string
	params  session.Params

	mu        sync.Mutex
	prompt    string
	frags     map[int32]string
	nextID    int32
	queue     []string
	exhausted bool
}

// Tokenize assigns one synthetic token id per appended chunk: the server
// owns its own tokenizer and exposes only the resulting text fragments, not
// token ids, to this client.
func (c *llamaContext) Tokenize(text string, firstAppend bool) ([]int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompt += text
	c.exhausted = false
	c.queue = nil
	return []int32{c.allocFrag(text)}, nil
}

func (c *llamaContext) allocFrag(text string) int32 {
	if c.frags == nil {
		c.frags = make(map[int32]string)
	}
	id := c.nextID
	c.nextID++
	c.frags[id] = text
	return id
}

func (c *llamaContext) Detokenize(token int32) (string, error) {
	if token == eotSentinel {
		return "", nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	frag, ok := c.frags[token]
	if !ok {
		return "", fmt.Errorf("llamaserver: unknown token id %d", token)
	}
	return frag, nil
}

// EvalBatch is a no-op: the server re-evaluates the full prompt internally
// on every completion request.
func (c *llamaContext) EvalBatch(tokens []int32, past int) error { return nil }

func (c *llamaContext) Logits() ([]int32, []float32) {
	id, _, err := c.nextFragment()
	if err != nil || id == eotSentinel {
		return []int32{eotSentinel}, []float32{1}
	}
	return []int32{id}, []float32{1}
}

func (c *llamaContext) nextFragment() (int32, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 && !c.exhausted {
		if err := c.runCompletion(); err != nil {
			return 0, "", err
		}
	}
	if len(c.queue) == 0 {
		return eotSentinel, "", nil
	}
	frag := c.queue[0]
	c.queue = c.queue[1:]
	id := c.allocFrag(frag)
	return id, frag, nil
}

type completionRequest struct {
	Model         string   `json:"model,omitempty"`
	Prompt        string   `json:"prompt"`
	MaxTokens     int      `json:"max_tokens,omitempty"`
	Temperature   float32  `json:"temperature,omitempty"`
	TopP          float32  `json:"top_p,omitempty"`
	TopK          int      `json:"top_k,omitempty"`
	Seed          int      `json:"seed,omitempty"`
	Stream        bool     `json:"stream"`
	RepeatPenalty float32  `json:"repeat_penalty,omitempty"`
	Stop          []string `json:"stop,omitempty"`
}

type streamChoiceDelta struct {
	Delta struct {
		Content string `json:"content"`
	} `json:"delta"`
}

type streamResponse struct {
	Choices []streamChoiceDelta `json:"choices"`
}

// runCompletion drives one streaming HTTP completion request over the full
// accumulated prompt, buffering every fragment the server emits into
// c.queue, mirroring the prior adapter's generateOpenAI.
func (c *llamaContext) runCompletion() error {
	payload := completionRequest{
		Model:         c.modelID,
		Prompt:        c.prompt,
		MaxTokens:     maxInt(1, int(c.params.NBatch)),
		Temperature:   c.params.Temp,
		TopP:          c.params.TopP,
		TopK:          int(c.params.TopK),
		Seed:          int(c.params.Seed),
		Stream:        true,
		RepeatPenalty: c.params.RepeatPenalty,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("llamaserver: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, c.baseURL+"/v1/completions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("llamaserver: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("llamaserver: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("llamaserver: http error %s: %s", resp.Status, string(b))
	}

	var collected []string
	r := bufio.NewReader(resp.Body)
	for {
		line, err := r.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimSpace(line)
			if strings.HasPrefix(strings.ToLower(line), "data:") {
				data := strings.TrimSpace(line[len("data:"):])
				if data == "[DONE]" {
					break
				}
				var msg streamResponse
				if jsonErr := json.Unmarshal([]byte(data), &msg); jsonErr == nil && len(msg.Choices) > 0 {
					if frag := msg.Choices[0].Delta.Content; frag != "" {
						collected = append(collected, frag)
					}
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("llamaserver: reading stream: %w", err)
		}
	}

	c.queue = collected
	c.exhausted = true
	return nil
}

func (c *llamaContext) EOTToken() (int32, bool) { return eotSentinel, true }

// MemPerToken has no server-exposed equivalent; it returns a fixed estimate.
func (c *llamaContext) MemPerToken() uint64 { return 1 << 16 }

// SupportsMirostat reports false: the server's sampler already runs
// top-k/top-p/temperature internally per completion request.
func (c *llamaContext) SupportsMirostat() bool { return false }

func (c *llamaContext) MirostatSample(params session.Params, state *session.MirostatState) (int32, error) {
	return 0, fmt.Errorf("llamaserver: mirostat sampling not supported by this backend")
}

// SnapshotState captures the accumulated prompt and any buffered
// not-yet-consumed fragments: the server holds no client-addressable KV
// cache handle, so this stands in for it.
func (c *llamaContext) SnapshotState() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var buf []byte
	buf = appendLenPrefixed(buf, []byte(c.prompt))
	buf = appendUint32(buf, uint32(len(c.queue)))
	for _, frag := range c.queue {
		buf = appendLenPrefixed(buf, []byte(frag))
	}
	return buf, nil
}

func (c *llamaContext) RestoreState(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prompt, rest, err := readLenPrefixed(b)
	if err != nil {
		return fmt.Errorf("llamaserver: restore: %w", err)
	}
	if len(rest) < 4 {
		return fmt.Errorf("llamaserver: restore: truncated queue length")
	}
	n := binary.LittleEndian.Uint32(rest[:4])
	rest = rest[4:]
	queue := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		frag, next, err := readLenPrefixed(rest)
		if err != nil {
			return fmt.Errorf("llamaserver: restore: %w", err)
		}
		queue = append(queue, string(frag))
		rest = next
	}

	c.prompt = string(prompt)
	c.queue = queue
	c.exhausted = len(queue) == 0
	return nil
}

func (c *llamaContext) Close() error { return nil }

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendLenPrefixed(buf, data []byte) []byte {
	buf = appendUint32(buf, uint32(len(data)))
	return append(buf, data...)
}

func readLenPrefixed(b []byte) (data, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("truncated length prefix")
	}
	n := binary.LittleEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < n {
		return nil, nil, fmt.Errorf("truncated payload")
	}
	return b[:n], b[n:], nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
