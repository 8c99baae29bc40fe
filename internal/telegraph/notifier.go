package telegraph

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/zulandar/signalbox/internal/monitor"
	"github.com/zulandar/signalbox/internal/notify"
	"github.com/zulandar/signalbox/internal/registry"
)

// Dispatcher is the subset of *notify.Dispatcher the Notifier uses.
type Dispatcher interface {
	Dispatch(ctx context.Context, n notify.Notification) notify.Report
}

// Request describes one notification to raise for a session.
type Request struct {
	Type        string // notify.TypeCompleted or notify.TypeWaiting
	Session     string
	Turn        monitor.Turn
	TriggerText string
	Timestamp   time.Time // defaults to now
}

// Result is the outcome of Notify.
type Result struct {
	Token  string // empty when no registry is configured or token creation failed
	Report notify.Report
}

// NotifierOpts holds parameters for creating a Notifier.
type NotifierOpts struct {
	Dispatcher Dispatcher
	Registry   *registry.Registry  // optional; without it notifications carry no token
	Activity   *notify.ActivityLog // optional; subagent activity for completions
	Project    string
	WorkDir    string
	Out        io.Writer        // defaults to os.Stdout
	Now        func() time.Time // defaults to time.Now
}

// Notifier turns detected turns into notifications, issuing a reply token
// for the target session before dispatch.
type Notifier struct {
	dispatcher Dispatcher
	registry   *registry.Registry
	activity   *notify.ActivityLog
	project    string
	workDir    string
	out        io.Writer
	now        func() time.Time
}

// NewNotifier creates a Notifier.
func NewNotifier(opts NotifierOpts) (*Notifier, error) {
	if opts.Dispatcher == nil {
		return nil, fmt.Errorf("telegraph: notifier: dispatcher is required")
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Notifier{
		dispatcher: opts.Dispatcher,
		registry:   opts.Registry,
		activity:   opts.Activity,
		project:    opts.Project,
		workDir:    opts.WorkDir,
		out:        opts.Out,
		now:        opts.Now,
	}, nil
}

// Notify creates a token for req.Session and dispatches the notification.
// A token whose notification was dropped by the cooldown is removed again.
// Completions report the session's pending subagent activity, which is
// cleared once a notification carrying it goes out.
func (n *Notifier) Notify(ctx context.Context, req Request) (Result, error) {
	if err := notify.ValidateType(req.Type); err != nil {
		return Result{}, err
	}
	if req.Session == "" {
		return Result{}, fmt.Errorf("telegraph: notifier: session is required")
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = n.now()
	}

	md := notify.Metadata{
		UserQuestion:      req.Turn.UserQuestion,
		AssistantResponse: req.Turn.AssistantResponse,
		TargetSession:     req.Session,
		WorkingDirectory:  n.workDir,
		Timestamp:         req.Timestamp,
		TriggerText:       req.TriggerText,
	}

	if req.Type == notify.TypeCompleted && n.activity != nil {
		acts, err := n.activity.Pending(req.Session)
		if err != nil {
			log.Printf("telegraph: notifier: subagent activity for %s: %v", req.Session, err)
		}
		md.Subagents = acts
	}

	var issued registry.Session
	if n.registry != nil {
		s, err := n.registry.Create(ctx, req.Session, map[string]string{
			"type":     req.Type,
			"project":  n.project,
			"question": truncate(req.Turn.UserQuestion, maxFieldLen),
		})
		if err != nil {
			log.Printf("telegraph: notifier: create token for %s: %v", req.Session, err)
		} else {
			issued = s
			md.Token = s.Token
		}
	}

	rep := n.dispatcher.Dispatch(ctx, notify.New(req.Type, n.project, md))
	if rep.Dropped && issued.ID != "" {
		if err := n.registry.Remove(ctx, issued.ID); err != nil {
			log.Printf("telegraph: notifier: remove unused token: %v", err)
		}
		md.Token = ""
	}
	if !rep.Dropped && len(md.Subagents) > 0 {
		if err := n.activity.Clear(req.Session); err != nil {
			log.Printf("telegraph: notifier: clear subagent activity: %v", err)
		}
	}
	return Result{Token: md.Token, Report: rep}, nil
}

// HandleEvent adapts a monitor event to Notify, logging failures.
func (n *Notifier) HandleEvent(ctx context.Context, ev monitor.Event) {
	res, err := n.Notify(ctx, Request{
		Type:        string(ev.Type),
		Session:     ev.Session,
		Turn:        ev.Turn,
		TriggerText: ev.TriggerText,
		Timestamp:   ev.Timestamp,
	})
	if err != nil {
		log.Printf("telegraph: notifier: %s event: %v", ev.Type, err)
		return
	}
	if res.Token != "" {
		fmt.Fprintf(n.out, "Token %s issued for %s\n", res.Token, ev.Session)
	}
}
