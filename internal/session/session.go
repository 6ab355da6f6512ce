package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/drive/v3"

	"github.com/harababurel/gcsf/internal/config"
)

// oobRedirect is the out-of-band redirect used by the copy-paste flow.
const oobRedirect = "urn:ietf:wg:oauth:2.0:oob"

// Manager handles the session lifecycle for one configuration.
type Manager struct {
	cfg *config.Config
	log *zap.SugaredLogger

	// in/out are replaceable for tests of the interactive flow.
	readCode func() (string, error)
	printf   func(format string, args ...interface{})
}

// NewManager builds a session manager.
func NewManager(cfg *config.Config, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Manager{
		cfg: cfg,
		log: log.Named("session"),
		readCode: func() (string, error) {
			var code string
			_, err := fmt.Scan(&code)
			return code, err
		},
		printf: func(format string, args ...interface{}) {
			fmt.Printf(format, args...)
		},
	}
}

// oauthConfig parses the client secret into an OAuth configuration.
func (m *Manager) oauthConfig() (*oauth2.Config, error) {
	if m.cfg.ClientSecret == "" {
		return nil, fmt.Errorf("no client_secret configured")
	}
	oc, err := google.ConfigFromJSON([]byte(m.cfg.ClientSecret), drive.DriveScope)
	if err != nil {
		return nil, fmt.Errorf("parsing client secret: %w", err)
	}
	if m.cfg.AuthorizeUsingCodeEnabled() {
		oc.RedirectURL = oobRedirect
	} else {
		oc.RedirectURL = fmt.Sprintf("http://localhost:%d", m.cfg.AuthPortOrDefault())
	}
	return oc, nil
}

// Login runs the interactive authorization flow and persists the obtained
// token under the session name.
func (m *Manager) Login(ctx context.Context, session string) error {
	oc, err := m.oauthConfig()
	if err != nil {
		return err
	}

	authURL := oc.AuthCodeURL("state-token", oauth2.AccessTypeOffline)
	m.printf("Open the following link in your browser and authorize gcsf:\n%s\n", authURL)

	var code string
	if m.cfg.AuthorizeUsingCodeEnabled() {
		m.printf("Paste the authorization code here: ")
		code, err = m.readCode()
	} else {
		code, err = m.listenForCode(ctx)
	}
	if err != nil {
		return fmt.Errorf("reading authorization code: %w", err)
	}

	token, err := oc.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("exchanging authorization code: %w", err)
	}
	return m.saveToken(session, token)
}

// listenForCode runs a one-shot HTTP listener for the redirect flow.
func (m *Manager) listenForCode(ctx context.Context) (string, error) {
	addr := fmt.Sprintf("localhost:%d", m.cfg.AuthPortOrDefault())
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("listening on %s: %w", addr, err)
	}
	defer listener.Close()

	type result struct {
		code string
		err  error
	}
	results := make(chan result, 1)

	server := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		if code == "" {
			http.Error(w, "missing code parameter", http.StatusBadRequest)
			results <- result{err: fmt.Errorf("redirect carried no code")}
			return
		}
		fmt.Fprintln(w, "gcsf is authorized. You can close this tab.")
		results <- result{code: code}
	})}
	go func() { _ = server.Serve(listener) }()
	defer server.Close()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-results:
		return r.code, r.err
	}
}

// Logout forgets the session.
func (m *Manager) Logout(session string) error {
	path := m.cfg.TokenFile(session)
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no such session %q", session)
		}
		return err
	}
	m.log.Infof("removed session %q", session)
	return nil
}

// List enumerates the persisted sessions.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.cfg.ConfigDirOrDefault())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var sessions []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if token, err := m.loadToken(entry.Name()); err == nil && token.RefreshToken != "" {
			sessions = append(sessions, entry.Name())
		}
	}
	sort.Strings(sessions)
	return sessions, nil
}

// Verify refreshes the session's token, proving it still grants access,
// and persists the refreshed token.
func (m *Manager) Verify(ctx context.Context, session string) error {
	oc, err := m.oauthConfig()
	if err != nil {
		return err
	}
	token, err := m.loadToken(session)
	if err != nil {
		return err
	}
	fresh, err := oc.TokenSource(ctx, token).Token()
	if err != nil {
		return fmt.Errorf("session %q no longer valid: %w", session, err)
	}
	return m.saveToken(session, fresh)
}

// HTTPClient builds an authenticated client for the Drive adapter.
func (m *Manager) HTTPClient(ctx context.Context, session string) (*http.Client, error) {
	oc, err := m.oauthConfig()
	if err != nil {
		return nil, err
	}
	token, err := m.loadToken(session)
	if err != nil {
		return nil, err
	}
	return oc.Client(ctx, token), nil
}

func (m *Manager) loadToken(session string) (*oauth2.Token, error) {
	f, err := os.Open(m.cfg.TokenFile(session))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no such session %q, run login first", session)
		}
		return nil, err
	}
	defer f.Close()

	token := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(token); err != nil {
		return nil, fmt.Errorf("decoding session %q: %w", session, err)
	}
	return token, nil
}

func (m *Manager) saveToken(session string, token *oauth2.Token) error {
	dir := m.cfg.ConfigDirOrDefault()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	path := m.cfg.TokenFile(session)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(token); err != nil {
		return err
	}
	m.log.Infof("saved session %q", session)
	return nil
}
