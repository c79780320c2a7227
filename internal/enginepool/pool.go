// Package enginepool implements the bounded UCI engine pool of spec §4.3,
// generalizing the teacher's EnginePool (a channel of *uci.Engine) into a
// mutex-guarded slice so Acquire can reconfigure skill level before handing
// a handle out and Release can dispose of handles over capacity.
package enginepool

import (
	"errors"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/notnil/chess/uci"
	"golang.org/x/sys/cpu"

	"github.com/hezhaoyun/ichess-server/internal/logging"
	"github.com/hezhaoyun/ichess-server/internal/rules"
)

// Handle is an engine process on loan from the pool. It must be released
// (or disposed, on failure) after use.
type Handle struct {
	engine *uci.Engine
}

// Pool is a bounded, thread-safe pool of ready native engine handles.
type Pool struct {
	mu       sync.Mutex
	idle     []*uci.Engine
	path     string
	capacity int
	log      *logging.Logger
}

// New creates a Pool that spawns engines at path on demand, up to capacity
// idle handles retained between uses.
func New(path string, capacity int, log *logging.Logger) *Pool {
	return &Pool{path: path, capacity: capacity, log: log}
}

// Acquire pops a ready handle or spawns one, configures it for skill, and
// returns it. The caller must Release (or Dispose on failure) it.
func (p *Pool) Acquire(skill int) (*Handle, error) {
	eng := p.popIdle()
	if eng == nil {
		var err error
		eng, err = p.spawn()
		if err != nil {
			return nil, err
		}
	}

	if err := eng.Run(uci.CmdSetOption{Name: "Skill Level", Value: strconv.Itoa(clampSkill(skill))}); err != nil {
		eng.Close()
		return nil, err
	}
	return &Handle{engine: eng}, nil
}

// Release returns a handle to the pool, or disposes of it if the pool is
// already at capacity.
func (p *Pool) Release(h *Handle) {
	if h == nil || h.engine == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) < p.capacity {
		p.idle = append(p.idle, h.engine)
		return
	}
	h.engine.Close()
}

// Dispose terminates a handle's process without returning it to the pool,
// used when the engine subprocess has failed (spec §7).
func (p *Pool) Dispose(h *Handle) {
	if h == nil || h.engine == nil {
		return
	}
	h.engine.Close()
}

// Play asks the engine behind h for a move in position, searching for at
// most limit, and returns it in UCI notation.
func (p *Pool) Play(h *Handle, position *rules.Position, limit time.Duration) (string, error) {
	if h == nil || h.engine == nil {
		return "", errors.New("enginepool: nil handle")
	}
	cmdPos := uci.CmdPosition{Position: position.Raw()}
	cmdGo := uci.CmdGo{MoveTime: limit}
	if err := h.engine.Run(cmdPos, cmdGo); err != nil {
		return "", err
	}
	results := h.engine.SearchResults()
	if results.BestMove == nil {
		return "", errors.New("enginepool: engine returned no move")
	}
	return results.BestMove.String(), nil
}

// Close terminates every idle engine process; in-flight handles are the
// caller's responsibility to release first.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, eng := range p.idle {
		eng.Close()
	}
	p.idle = nil
}

func (p *Pool) popIdle() *uci.Engine {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.idle) == 0 {
		return nil
	}
	eng := p.idle[len(p.idle)-1]
	p.idle = p.idle[:len(p.idle)-1]
	return eng
}

func (p *Pool) spawn() (*uci.Engine, error) {
	eng, err := uci.New(p.path)
	if err != nil {
		return nil, err
	}
	if err := eng.Run(uci.CmdUCI, uci.CmdIsReady, uci.CmdUCINewGame); err != nil {
		eng.Close()
		return nil, err
	}
	return eng, nil
}

func clampSkill(skill int) int {
	if skill < 1 {
		return 1
	}
	if skill > 20 {
		return 20
	}
	return skill
}

// SelectBinary picks the engine binary for the host per spec §4.3: prefer
// an AVX2 build, fall back to POPCNT on x86-64 Linux, or the Apple-Silicon
// build on macOS, else whatever "stockfish" resolves to on PATH. Generalizes
// the teacher's findStockfish, which only ever looked for one fixed name.
func SelectBinary(envOverride string) (string, error) {
	if envOverride != "" {
		return envOverride, nil
	}

	switch {
	case runtime.GOOS == "darwin" && runtime.GOARCH == "arm64":
		if p, ok := lookup("stockfish-apple-silicon"); ok {
			return p, nil
		}
	case runtime.GOOS == "linux" && runtime.GOARCH == "amd64":
		if cpu.X86.HasAVX2 {
			if p, ok := lookup("stockfish-avx2"); ok {
				return p, nil
			}
		}
		if cpu.X86.HasPOPCNT {
			if p, ok := lookup("stockfish-popcnt"); ok {
				return p, nil
			}
		}
	}

	candidates := []string{
		"stockfish", "/usr/games/stockfish", "/usr/bin/stockfish",
		"/opt/homebrew/bin/stockfish", "/usr/local/bin/stockfish", "./stockfish",
	}
	for _, c := range candidates {
		if p, ok := lookup(c); ok {
			return p, nil
		}
	}
	return "", errors.New("enginepool: no engine binary found")
}

func lookup(name string) (string, bool) {
	p, err := exec.LookPath(name)
	if err != nil {
		return "", false
	}
	return p, true
}
