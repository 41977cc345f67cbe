// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to return pre-canned audio clips without a live speech backend
// and to verify the text submitted for synthesis.
package mock

import (
	"context"
	"sync"

	"github.com/domovoy-ai/domovoy/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Req is the request passed to Synthesize.
	Req tts.Request
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// Clip is returned by Synthesize. If nil, a minimal clip echoing the
	// request is returned.
	Clip *tts.Clip

	// Err, if non-nil, is returned as the error from Synthesize.
	Err error

	// Calls records every invocation of Synthesize in order.
	Calls []SynthesizeCall
}

// Synthesize records the call and returns Clip, Err.
func (p *Provider) Synthesize(ctx context.Context, req tts.Request) (*tts.Clip, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = append(p.Calls, SynthesizeCall{Ctx: ctx, Req: req})
	if p.Err != nil {
		return nil, p.Err
	}
	if p.Clip != nil {
		return p.Clip, nil
	}
	return &tts.Clip{
		Audio:  []byte("audio:" + req.Text),
		Format: tts.FormatMP3,
		Voice:  req.Voice,
	}, nil
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
