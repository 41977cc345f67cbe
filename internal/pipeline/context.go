package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/domovoy-ai/domovoy/internal/homeassistant"
	"github.com/domovoy-ai/domovoy/pkg/memory"
)

// homeContextTTL bounds how long one user's home snapshot is reused. Device
// states go stale within seconds.
const homeContextTTL = 5 * time.Second

// HomeBackend is the slice of the home-automation adapter the resolver and
// executor need.
type HomeBackend interface {
	GetContext(ctx context.Context) (*homeassistant.Context, error)
	CallService(ctx context.Context, domain, service string, data, target map[string]any) ([]homeassistant.State, error)
	ServiceAllowed(service string) bool
	NeedsConfirmation(service string) bool
}

// MemoryContext builds the memory bundle for one command.
type MemoryContext interface {
	BuildContext(ctx context.Context, userID, query string) (memory.Context, error)
}

// Context is the resolved execution context for one command. Either backend
// section may be degraded; its error field says why.
type Context struct {
	UserID  string
	Command string
	Intent  Classification

	Home    *homeassistant.Context
	HomeErr string

	Memory    *memory.Context
	MemoryErr string
}

// Resolver gathers home and memory context. It never fails the pipeline: a
// backend error produces a degraded context with the error recorded.
type Resolver struct {
	home HomeBackend
	mem  MemoryContext
	log  *slog.Logger
	now  func() time.Time

	mu    sync.Mutex
	cache map[string]cachedSnapshot
}

type cachedSnapshot struct {
	snapshot *homeassistant.Context
	fetched  time.Time
}

// NewResolver creates a context resolver.
func NewResolver(home HomeBackend, mem MemoryContext, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		home:  home,
		mem:   mem,
		log:   log,
		now:   time.Now,
		cache: make(map[string]cachedSnapshot),
	}
}

// Resolve builds the complete context for one command.
func (r *Resolver) Resolve(ctx context.Context, userID, command string, intent Classification, includeHome, includeMemory bool) *Context {
	out := &Context{UserID: userID, Command: command, Intent: intent}

	if includeHome {
		snapshot, err := r.homeSnapshot(ctx, userID)
		if err != nil {
			r.log.ErrorContext(ctx, "home context unavailable", slog.Any("error", err))
			out.Home = &homeassistant.Context{
				Config:           map[string]any{},
				Areas:            []homeassistant.Area{},
				EntitiesByDomain: map[string][]homeassistant.State{},
				EntitiesByArea:   map[string][]homeassistant.State{},
			}
			out.HomeErr = err.Error()
		} else {
			out.Home = snapshot
		}
	}

	if includeMemory {
		memCtx, err := r.mem.BuildContext(ctx, userID, command)
		if err != nil {
			r.log.ErrorContext(ctx, "memory context unavailable", slog.Any("error", err))
			out.Memory = &memory.Context{}
			out.MemoryErr = err.Error()
		} else {
			out.Memory = &memCtx
		}
	}

	r.log.InfoContext(ctx, "context resolved",
		slog.String("user_id", userID),
		slog.Int("home_entities", out.homeEntityCount()),
		slog.Int("recent_history", out.recentHistoryCount()))

	return out
}

func (c *Context) homeEntityCount() int {
	if c.Home == nil {
		return 0
	}
	return c.Home.TotalEntities
}

func (c *Context) recentHistoryCount() int {
	if c.Memory == nil {
		return 0
	}
	return len(c.Memory.RecentHistory)
}

// homeSnapshot returns the user's cached snapshot or fetches a new one.
func (r *Resolver) homeSnapshot(ctx context.Context, userID string) (*homeassistant.Context, error) {
	r.mu.Lock()
	cached, ok := r.cache[userID]
	r.mu.Unlock()
	if ok && r.now().Sub(cached.fetched) < homeContextTTL {
		return cached.snapshot, nil
	}

	snapshot, err := r.home.GetContext(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[userID] = cachedSnapshot{snapshot: snapshot, fetched: r.now()}
	r.mu.Unlock()
	return snapshot, nil
}

// ExtractEntities returns snapshot entities filtered by domain and/or area.
func (c *Context) ExtractEntities(domain, area string) []homeassistant.State {
	if c.Home == nil {
		return nil
	}
	var out []homeassistant.State
	if domain != "" {
		out = append(out, c.Home.EntitiesByDomain[domain]...)
	}
	if area != "" {
		out = append(out, c.Home.EntitiesByArea[area]...)
	}
	return out
}

// FormatForLLM renders the context as a compact prompt section.
func (c *Context) FormatForLLM() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Намерение: %s", c.Intent.Type)

	if c.Home != nil {
		fmt.Fprintf(&b, "\n\nУстройств в умном доме: %d", c.Home.TotalEntities)
		if len(c.Home.Areas) > 0 {
			names := make([]string, 0, len(c.Home.Areas))
			for i, a := range c.Home.Areas {
				if i == 10 {
					break
				}
				names = append(names, a.Name)
			}
			fmt.Fprintf(&b, "\nКомнаты: %s", strings.Join(names, ", "))
		}
	}

	if c.Memory != nil {
		if len(c.Memory.UserRules) > 0 {
			b.WriteString("\n\nПравила пользователя:")
			for i, rule := range c.Memory.UserRules {
				if i == 3 {
					break
				}
				fmt.Fprintf(&b, "\n- %s", rule.Content)
			}
		}
		if len(c.Memory.RelevantMemories) > 0 {
			b.WriteString("\n\nИз истории:")
			for i, m := range c.Memory.RelevantMemories {
				if i == 2 {
					break
				}
				fmt.Fprintf(&b, "\n- %s", truncateRunes(m.Entry.Content, 100))
			}
		}
	}

	return b.String()
}

func truncateRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
