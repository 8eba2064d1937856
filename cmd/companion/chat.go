package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/textbook-companion/internal/auth"
	"github.com/ashureev/textbook-companion/internal/client"
	"github.com/spf13/cobra"
)

func newChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat about a textbook",
		Long:  "chat reads questions from stdin, one per line, and prints streamed answers with their citations.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := bindConfig(cmd)
			if err != nil {
				return err
			}
			return runChat(cmd, chatOptions{
				server:      v.GetString("server"),
				token:       v.GetString("token"),
				secret:      v.GetString("secret"),
				subject:     v.GetString("subject"),
				textbook:    v.GetString("textbook"),
				userSession: v.GetString("user-session"),
				session:     v.GetString("session"),
				shared:      v.GetString("shared"),
				timeout:     v.GetDuration("timeout"),
				verbose:     v.GetBool("verbose"),
			})
		},
	}
	cmd.Flags().String("server", "http://localhost:8080", "server base URL")
	cmd.Flags().String("token", "", "channel token (env COMPANION_TOKEN)")
	cmd.Flags().String("secret", "", "development signing secret; tokens are issued and refreshed locally")
	cmd.Flags().String("subject", "dev-user", "subject for locally issued tokens")
	cmd.Flags().String("textbook", "", "textbook id")
	cmd.Flags().String("user-session", "", "user session id (defaults to the token subject)")
	cmd.Flags().String("session", "", "existing chat session to continue")
	cmd.Flags().String("shared", "", "shared chat session to continue in a private fork")
	cmd.Flags().Duration("timeout", 2*time.Minute, "maximum wait for one answer")
	return cmd
}

type chatOptions struct {
	server      string
	token       string
	secret      string
	subject     string
	textbook    string
	userSession string
	session     string
	shared      string
	timeout     time.Duration
	verbose     bool
}

func (o chatOptions) tokenSource() (client.TokenSource, error) {
	switch {
	case o.token != "":
		return client.StaticToken(o.token), nil
	case o.secret != "":
		secret := []byte(o.secret)
		return client.TokenFunc(func(context.Context) (string, error) {
			return auth.IssueToken(secret, o.subject, "student", auth.DefaultTokenTTL)
		}), nil
	default:
		return nil, fmt.Errorf("--token or --secret is required")
	}
}

// streamPrinter writes the growing assistant message to out as deltas.
type streamPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	id      string
	printed int
}

func (p *streamPrinter) update(m client.Message) {
	if m.Role != client.RoleAssistant {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if m.ID != p.id {
		p.id, p.printed = m.ID, 0
	}
	if m.Failed || len(m.Text) < p.printed {
		// Replaced rather than extended, e.g. by the HTTP fallback.
		if p.printed > 0 {
			fmt.Fprintln(p.out)
		}
		p.printed = 0
	}
	if len(m.Text) > p.printed {
		fmt.Fprint(p.out, m.Text[p.printed:])
		p.printed = len(m.Text)
	}
}

func runChat(cmd *cobra.Command, o chatOptions) error {
	if strings.TrimSpace(o.textbook) == "" {
		return fmt.Errorf("--textbook is required")
	}
	tokens, err := o.tokenSource()
	if err != nil {
		return err
	}
	if o.userSession == "" {
		o.userSession = o.subject
	}

	out := cmd.OutOrStdout()
	printer := &streamPrinter{out: out}
	consumer, err := client.New(client.Options{
		ServerURL:     o.server,
		UserSessionID: o.userSession,
		TextbookID:    o.textbook,
		Tokens:        tokens,
		OnUpdate:      printer.update,
		OnTitle: func(title string) {
			fmt.Fprintf(cmd.ErrOrStderr(), "[session: %s]\n", title)
		},
		Logger: newLogger(cmd, o.verbose),
	})
	if err != nil {
		return err
	}
	defer consumer.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := consumer.Start(ctx); err != nil {
		return err
	}

	switch {
	case o.shared != "":
		fork, err := consumer.OpenShared(ctx, o.shared)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "[continuing shared session as %s]\n", fork.ID)
	case o.session != "":
		if err := consumer.Open(ctx, o.session); err != nil {
			return err
		}
	default:
		session, err := consumer.OpenNew(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "[new session %s]\n", session.ID)
	}
	printHistory(out, consumer.Conversation().Messages())

	scanner := bufio.NewScanner(cmd.InOrStdin())
	for scanner.Scan() {
		query := strings.TrimSpace(scanner.Text())
		if query == "" {
			continue
		}
		askCtx, cancel := context.WithTimeout(ctx, o.timeout)
		msg, err := consumer.Ask(askCtx, query)
		cancel()
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			fmt.Fprintln(cmd.ErrOrStderr(), "error: no answer before timeout")
			continue
		case err != nil:
			fmt.Fprintf(cmd.ErrOrStderr(), "error: %v\n", err)
		}
		fmt.Fprintln(out)
		if len(msg.Citations) > 0 {
			fmt.Fprintf(out, "sources: %s\n", strings.Join(msg.Citations, ", "))
		}
	}
	return scanner.Err()
}

func printHistory(out io.Writer, messages []client.Message) {
	for _, m := range messages {
		prefix := "you"
		if m.Role == client.RoleAssistant {
			prefix = "companion"
		}
		fmt.Fprintf(out, "%s> %s\n", prefix, m.Text)
	}
}
