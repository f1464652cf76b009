package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"
	"github.com/tmc/langchaingo/tools/duckduckgo"
	"github.com/voidwalker/autopilot/internal/plan"
	"go.uber.org/zap"
)

// BrowserProvider is a chromedp-backed local sandbox implementing the
// provider contract. One Chrome per instance id, started lazily. Used in
// dev mode and for end-to-end runs without a remote provider.
type BrowserProvider struct {
	mu       sync.Mutex
	headless bool
	sessions map[string]*browserSession
	search   *duckduckgo.Tool
	logger   *zap.Logger
}

type browserSession struct {
	mu            sync.Mutex
	status        plan.InstanceStatus
	allocCtx      context.Context
	browserCtx    context.Context
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
}

// NewBrowserProvider creates the local provider. The search client is
// optional; without it the web_search tool reports an error payload.
func NewBrowserProvider(headless bool, logger *zap.Logger) *BrowserProvider {
	ddg, err := duckduckgo.New(10, duckduckgo.DefaultUserAgent)
	if err != nil {
		logger.Warn("duckduckgo client unavailable", zap.Error(err))
		ddg = nil
	}
	return &BrowserProvider{
		headless: headless,
		sessions: make(map[string]*browserSession),
		search:   ddg,
		logger:   logger,
	}
}

func (p *BrowserProvider) session(id string) *browserSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	if !ok {
		s = &browserSession{status: plan.InstanceRunning}
		p.sessions[id] = s
	}
	return s
}

// Status reports the sandbox state for an instance.
func (p *BrowserProvider) Status(ctx context.Context, id string) (plan.InstanceStatus, error) {
	return p.session(id).state(), nil
}

// Resume flips a paused sandbox back to running.
func (p *BrowserProvider) Resume(ctx context.Context, id string) error {
	s := p.session(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == plan.InstanceStopped {
		return fmt.Errorf("instance %s is stopped", id)
	}
	s.status = plan.InstanceRunning
	return nil
}

// Pause marks the sandbox paused. The in-flight turn observes this at its
// next observation boundary.
func (p *BrowserProvider) Pause(id string) {
	s := p.session(id)
	s.mu.Lock()
	s.status = plan.InstancePaused
	s.mu.Unlock()
}

// Connect returns the tool surface for an instance.
func (p *BrowserProvider) Connect(ctx context.Context, id string) (ToolSurface, Capabilities, error) {
	s := p.session(id)
	if s.state() != plan.InstanceRunning {
		return nil, Capabilities{}, fmt.Errorf("instance %s not running", id)
	}
	surface := &browserSurface{provider: p, session: s, instanceID: id}
	return surface, Capabilities{
		ComputerControl: true,
		Shell:           true,
		FileEdit:        true,
		WebSearch:       p.search != nil,
	}, nil
}

func (s *browserSession) state() plan.InstanceStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *browserSession) ensureBrowser(headless bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.browserCtx != nil {
		select {
		case <-s.browserCtx.Done():
			s.cleanupLocked()
		default:
			return nil
		}
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("headless", headless),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)

	s.allocCtx, s.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	s.browserCtx, s.browserCancel = chromedp.NewContext(s.allocCtx)

	return chromedp.Run(s.browserCtx)
}

func (s *browserSession) cleanupLocked() {
	if s.browserCancel != nil {
		s.browserCancel()
	}
	if s.allocCancel != nil {
		s.allocCancel()
	}
	s.browserCtx = nil
	s.allocCtx = nil
}

type browserSurface struct {
	provider   *BrowserProvider
	session    *browserSession
	instanceID string
}

type computerArgs struct {
	Action      string `json:"action"`
	URL         string `json:"url"`
	Selector    string `json:"selector"`
	Text        string `json:"text"`
	X           int    `json:"x"`
	Y           int    `json:"y"`
	WaitSeconds int    `json:"wait_seconds"`
}

// Execute runs one tool on the sandbox.
func (b *browserSurface) Execute(ctx context.Context, tool, argsJSON string) (*Result, error) {
	switch tool {
	case ToolComputer:
		return b.computer(ctx, argsJSON)
	case ToolShell:
		return b.shell(ctx, argsJSON)
	case ToolEditFile:
		return b.editFile(argsJSON)
	case ToolWebSearch:
		return b.webSearch(ctx, argsJSON)
	default:
		return nil, fmt.Errorf("%w: unknown tool %q", ErrInvalidArgument, tool)
	}
}

func (b *browserSurface) computer(ctx context.Context, argsJSON string) (*Result, error) {
	var args computerArgs
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	if err := b.session.ensureBrowser(b.provider.headless); err != nil {
		return nil, fmt.Errorf("start browser: %w", err)
	}

	b.session.mu.Lock()
	browserCtx := b.session.browserCtx
	b.session.mu.Unlock()

	actionCtx, cancel := context.WithTimeout(browserCtx, 60*time.Second)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var result string
	var screenshot []byte
	var err error

	switch args.Action {
	case "navigate":
		if args.URL == "" {
			return &Result{Text: "Error: url is required for 'navigate'", IsError: true}, nil
		}
		err = chromedp.Run(actionCtx, chromedp.Navigate(args.URL))
		result = fmt.Sprintf("Navigated to %s", args.URL)

	case "click":
		if args.Selector != "" {
			err = chromedp.Run(actionCtx, chromedp.Click(args.Selector, chromedp.ByQuery))
			result = fmt.Sprintf("Clicked %s", args.Selector)
		} else {
			err = chromedp.Run(actionCtx,
				chromedp.MouseClickXY(float64(args.X), float64(args.Y)))
			result = fmt.Sprintf("Clicked at (%d, %d)", args.X, args.Y)
		}

	case "type":
		if args.Selector == "" || args.Text == "" {
			return &Result{Text: "Error: selector and text required", IsError: true}, nil
		}
		err = chromedp.Run(actionCtx, chromedp.SendKeys(args.Selector, args.Text, chromedp.ByQuery))
		result = fmt.Sprintf("Typed text in %s", args.Selector)

	case "press":
		if args.Text == "" {
			return &Result{Text: "Error: text (key) required", IsError: true}, nil
		}
		err = chromedp.Run(actionCtx, chromedp.KeyEvent(args.Text))
		result = fmt.Sprintf("Pressed key: %s", args.Text)

	case "scroll":
		if args.Selector != "" {
			err = chromedp.Run(actionCtx, chromedp.ScrollIntoView(args.Selector, chromedp.ByQuery))
			result = fmt.Sprintf("Scrolled to %s", args.Selector)
		} else {
			err = chromedp.Run(actionCtx, chromedp.Evaluate("window.scrollTo(0, document.body.scrollHeight)", nil))
			result = "Scrolled to bottom"
		}

	case "wait":
		if args.Selector != "" {
			err = chromedp.Run(actionCtx, chromedp.WaitVisible(args.Selector, chromedp.ByQuery))
			result = fmt.Sprintf("Element %s visible", args.Selector)
		} else if args.WaitSeconds > 0 {
			select {
			case <-time.After(time.Duration(args.WaitSeconds) * time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			result = fmt.Sprintf("Waited %d seconds", args.WaitSeconds)
		} else {
			result = "Nothing to wait for"
		}

	case "content":
		var html string
		err = chromedp.Run(actionCtx,
			chromedp.ActionFunc(func(ctx context.Context) error {
				node, err := dom.GetDocument().Do(ctx)
				if err != nil {
					return err
				}
				html, err = dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
				return err
			}),
		)
		if len(html) > 50000 {
			html = html[:50000] + "\n... (truncated)"
		}
		result = html

	case "back":
		err = chromedp.Run(actionCtx, chromedp.NavigateBack())
		result = "Navigated back"

	case "screenshot", "capture":
		err = chromedp.Run(actionCtx, chromedp.CaptureScreenshot(&screenshot))
		result = "Screenshot captured"

	default:
		return nil, fmt.Errorf("%w: unknown computer action %q", ErrInvalidArgument, args.Action)
	}

	if err != nil {
		return &Result{Text: fmt.Sprintf("Browser action failed: %v", err), IsError: true}, nil
	}
	return &Result{Text: result, Screenshot: screenshot}, nil
}

func (b *browserSurface) shell(ctx context.Context, argsJSON string) (*Result, error) {
	var args struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if args.Command == "" {
		return nil, fmt.Errorf("%w: empty command", ErrInvalidArgument)
	}

	cmd := exec.CommandContext(ctx, "bash", "-c", args.Command)
	output, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(output))
	if text == "" {
		text = "(no output)"
	}
	if err != nil {
		return &Result{Text: fmt.Sprintf("Command failed: %v\nOutput: %s", err, text), IsError: true}, nil
	}
	return &Result{Text: text}, nil
}

func (b *browserSurface) editFile(argsJSON string) (*Result, error) {
	var args struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if args.Path == "" {
		return nil, fmt.Errorf("%w: path required", ErrInvalidArgument)
	}
	if err := os.MkdirAll(filepath.Dir(args.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create dir: %w", err)
	}
	if err := os.WriteFile(args.Path, []byte(args.Content), 0o644); err != nil {
		return nil, fmt.Errorf("write file: %w", err)
	}
	return &Result{Text: fmt.Sprintf("Wrote %d bytes to %s", len(args.Content), args.Path)}, nil
}

func (b *browserSurface) webSearch(ctx context.Context, argsJSON string) (*Result, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if b.provider.search == nil {
		return &Result{Text: "Error: web search unavailable", IsError: true}, nil
	}
	res, err := b.provider.search.Call(ctx, args.Query)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return &Result{Text: res}, nil
}
