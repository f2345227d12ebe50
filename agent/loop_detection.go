package agent

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"

	"google.golang.org/genai"
)

// callSignature is a tool name plus a hash of its arguments. encoding/json
// sorts map keys, so equal arguments hash equally.
func callSignature(fc *genai.FunctionCall) string {
	raw, err := json.Marshal(fc.Args)
	if err != nil {
		raw = []byte(fmt.Sprint(fc.Args))
	}
	h := sha256.Sum256(raw)
	return fmt.Sprintf("%s:%x", fc.Name, h[:8])
}

// loopDetector remembers the most recent call signatures of a Run.
type loopDetector struct {
	mu     sync.Mutex
	window int
	sigs   []string
}

func newLoopDetector(window int) *loopDetector {
	return &loopDetector{window: window}
}

func (d *loopDetector) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sigs = d.sigs[:0]
}

// observe records calls and reports whether the last window signatures
// repeat a pattern of length 1, 2 or 3.
func (d *loopDetector) observe(calls []*genai.FunctionCall) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.window <= 0 {
		return false
	}
	for _, fc := range calls {
		d.sigs = append(d.sigs, callSignature(fc))
	}
	if len(d.sigs) > d.window {
		d.sigs = append(d.sigs[:0], d.sigs[len(d.sigs)-d.window:]...)
	}
	return repeating(d.sigs, d.window)
}

func repeating(sigs []string, window int) bool {
	if len(sigs) < window {
		return false
	}
	sigs = sigs[len(sigs)-window:]
	for n := 1; n <= 3; n++ {
		if window%n != 0 || window == n {
			continue
		}
		match := true
		for i := n; i < window && match; i++ {
			match = sigs[i] == sigs[i%n]
		}
		if match {
			return true
		}
	}
	return false
}
