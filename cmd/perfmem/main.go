package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/convmem/internal/policy"
	"github.com/ent0n29/convmem/internal/protocol"
)

type options struct {
	baseURL        string
	sessionID      string
	turns          int
	respondEvery   int
	interTurnDelay time.Duration
	turnTimeout    time.Duration
	texts          []string
	keepSession    bool
	verbose        bool
}

type wsEnvelope struct {
	Type     string `json:"type"`
	Role     string `json:"role,omitempty"`
	Content  string `json:"content,omitempty"`
	Text     string `json:"text,omitempty"`
	Sequence int64  `json:"sequence,omitempty"`
	Code     string `json:"code,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

type respondRequest struct {
	SessionID string          `json:"session_id"`
	Output    json.RawMessage `json:"output"`
}

type respondResponse struct {
	Text string `json:"text"`
}

type report struct {
	Turns     int
	Responds  int
	Leaks     int
	TurnP50MS float64
	TurnP95MS float64
	TurnMaxMS float64
}

var defaultUtterances = []string{
	"Quanto custa o arroz?",
	"E o feijão?",
	"Qual a forma de pagamento?",
	"Pode entregar amanhã?",
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfmem: %v\n", err)
		os.Exit(2)
	}
	rep, err := run(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfmem: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("perfmem: turns=%d responds=%d p50_ms=%.2f p95_ms=%.2f max_ms=%.2f leaks=%d\n",
		rep.Turns, rep.Responds, rep.TurnP50MS, rep.TurnP95MS, rep.TurnMaxMS, rep.Leaks)
	if rep.Leaks > 0 {
		os.Exit(3)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var textsRaw string
	var interTurnMS int
	var turnTimeoutMS int

	fs := flag.NewFlagSet("perfmem", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "convmem public base URL")
	fs.StringVar(&cfg.sessionID, "session-id", "", "session to replay into (random when empty)")
	fs.IntVar(&cfg.turns, "turns", 20, "number of human turns to replay")
	fs.IntVar(&cfg.respondEvery, "respond-every", 1, "post a structured agent reply after every N human turns (0 disables)")
	fs.IntVar(&interTurnMS, "inter-turn-ms", 50, "delay between turns in milliseconds")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 5000, "timeout waiting for turn_appended per turn in milliseconds")
	fs.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	fs.BoolVar(&cfg.keepSession, "keep-session", false, "skip clearing the session at the end")
	fs.BoolVar(&cfg.verbose, "verbose", false, "print replay progress")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.respondEvery < 0 {
		return options{}, fmt.Errorf("respond-every must be >= 0")
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	if turnTimeoutMS < 100 {
		turnTimeoutMS = 100
	}
	cfg.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond

	cfg.sessionID = strings.TrimSpace(cfg.sessionID)
	if cfg.sessionID == "" {
		cfg.sessionID = "perf-" + uuid.NewString()
	}

	if strings.TrimSpace(textsRaw) == "" {
		cfg.texts = append([]string(nil), defaultUtterances...)
	} else {
		for _, part := range strings.Split(textsRaw, "|") {
			if t := strings.TrimSpace(part); t != "" {
				cfg.texts = append(cfg.texts, t)
			}
		}
		if len(cfg.texts) == 0 {
			return options{}, fmt.Errorf("texts produced no non-empty utterances")
		}
	}
	return cfg, nil
}

func run(cfg options) (report, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 15 * time.Second}
	wsURL, err := wsURLForSession(cfg.baseURL, cfg.sessionID)
	if err != nil {
		return report{}, fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return report{}, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()
	if !cfg.keepSession {
		defer func() {
			_ = clearSession(context.Background(), httpClient, cfg.baseURL, cfg.sessionID)
		}()
	}

	if cfg.verbose {
		fmt.Printf("perfmem: session=%s turns=%d\n", cfg.sessionID, cfg.turns)
	}

	appendedCh := make(chan wsEnvelope, 32)
	readErrCh := make(chan error, 1)
	leakCh := make(chan string, 64)
	go readLoop(conn, appendedCh, readErrCh, leakCh, cfg.verbose)

	var rep report
	latencies := make([]float64, 0, cfg.turns)
	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		started := time.Now()
		msg := protocol.ClientTurn{
			Type:      protocol.TypeClientTurn,
			SessionID: cfg.sessionID,
			Role:      "human",
			Content:   text,
		}
		if err := conn.WriteJSON(msg); err != nil {
			return rep, fmt.Errorf("turn %d send: %w", i+1, err)
		}
		if err := awaitAppended(appendedCh, readErrCh, "human", cfg.turnTimeout); err != nil {
			return rep, fmt.Errorf("turn %d await turn_appended: %w", i+1, err)
		}
		latencies = append(latencies, float64(time.Since(started).Microseconds())/1000)
		rep.Turns++

		if cfg.respondEvery > 0 && (i+1)%cfg.respondEvery == 0 {
			out, err := postRespond(ctx, httpClient, cfg.baseURL, cfg.sessionID, agentOutput(text, time.Now()))
			if err != nil {
				return rep, fmt.Errorf("turn %d respond: %w", i+1, err)
			}
			rep.Responds++
			if leaked(out) {
				rep.Leaks++
				fmt.Fprintf(os.Stderr, "perfmem: respond leaked internal metadata: %s\n", out)
			}
			if err := awaitAppended(appendedCh, readErrCh, "agent", cfg.turnTimeout); err != nil {
				return rep, fmt.Errorf("turn %d await agent turn: %w", i+1, err)
			}
		}
		if cfg.interTurnDelay > 0 && i < cfg.turns-1 {
			time.Sleep(cfg.interTurnDelay)
		}
	}

drain:
	for {
		select {
		case payload := <-leakCh:
			rep.Leaks++
			fmt.Fprintf(os.Stderr, "perfmem: event leaked internal metadata: %s\n", payload)
		default:
			break drain
		}
	}

	sort.Float64s(latencies)
	rep.TurnP50MS = percentile(latencies, 0.50)
	rep.TurnP95MS = percentile(latencies, 0.95)
	if len(latencies) > 0 {
		rep.TurnMaxMS = latencies[len(latencies)-1]
	}
	return rep, nil
}

// agentOutput builds a reply carrying the bookkeeping fields the server must strip.
func agentOutput(question string, now time.Time) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"answer":            "Resposta para: " + question,
		"_timestamp":        now.UTC().Format(time.RFC3339Nano),
		"_confidence":       0.85,
		"_session_duration": 3600,
	})
	return raw
}

// leaked reports whether client-bound text still carries internal metadata.
func leaked(text string) bool {
	if strings.Contains(text, `"_`) {
		return true
	}
	return policy.StripInternalMetadata(text) != text
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	if strings.TrimSpace(sessionID) == "" {
		return "", fmt.Errorf("session id is required")
	}
	rawBase := strings.TrimRight(u.EscapedPath(), "/")
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/sessions/" + sessionID + "/ws"
	u.RawPath = rawBase + "/v1/sessions/" + url.PathEscape(sessionID) + "/ws"
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, appendedCh chan<- wsEnvelope, readErrCh chan<- error, leakCh chan<- string, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}

		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if leaked(env.Content) || leaked(env.Text) {
			select {
			case leakCh <- string(data):
			default:
			}
		}
		switch env.Type {
		case string(protocol.TypeTurnAppended):
			select {
			case appendedCh <- env:
			default:
			}
		case string(protocol.TypeErrorEvent):
			if verbose {
				fmt.Fprintf(os.Stderr, "perfmem: error_event code=%s detail=%s\n", env.Code, env.Detail)
			}
		case string(protocol.TypeContextResetSuggested):
			if verbose {
				fmt.Println("perfmem: context reset suggested")
			}
		}
	}
}

func awaitAppended(appendedCh <-chan wsEnvelope, readErrCh <-chan error, role string, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case env := <-appendedCh:
			if env.Role == role {
				return nil
			}
		case err := <-readErrCh:
			return err
		case <-timer.C:
			return fmt.Errorf("timeout after %s", timeout)
		}
	}
}

func postRespond(ctx context.Context, client *http.Client, baseURL, sessionID string, output json.RawMessage) (string, error) {
	payload, err := json.Marshal(respondRequest{SessionID: sessionID, Output: output})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/respond", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	var out respondResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	return out.Text, nil
}

func clearSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, baseURL+"/v1/sessions/"+url.PathEscape(sessionID), nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

// percentile expects sorted input and uses nearest rank.
func percentile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(q*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
