// bulkpiped is the transfer daemon: it owns the session pool and
// admission controller and exposes a small HTTP surface for starting,
// cancelling, and watching transfers.
package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bulkpipe/bulkpipe/internal/admission"
	"github.com/bulkpipe/bulkpipe/internal/app"
	"github.com/bulkpipe/bulkpipe/internal/config"
	"github.com/bulkpipe/bulkpipe/internal/logging"
	"github.com/bulkpipe/bulkpipe/internal/remote"
	"github.com/bulkpipe/bulkpipe/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Daemon binds locally; origin checks are the proxy's job
	},
}

func main() {
	cfg, err := config.ParseDaemonConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger := logging.New("bulkpiped", cfg.LogLevel)

	creds := session.NewStaticStore()
	if cfg.CredentialsFile != "" {
		n, err := loadCredentials(creds, cfg.CredentialsFile, cfg.HomeEndpoint)
		if err != nil {
			logger.Error("failed to load credentials", "file", cfg.CredentialsFile, "err", err)
			os.Exit(1)
		}
		logger.Info("loaded credentials", "file", cfg.CredentialsFile, "owners", n)
	}

	tlsConf := &tls.Config{InsecureSkipVerify: cfg.Insecure}
	dialer := remote.NewQUICDialer(cfg.Endpoints, tlsConf, logger)
	svc := app.NewService(cfg, dialer, creds, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var maintenance sync.WaitGroup
	maintenance.Add(1)
	go func() {
		defer maintenance.Done()
		svc.Run(ctx)
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", handleHealth)
	mux.HandleFunc("/transfers", func(w http.ResponseWriter, r *http.Request) {
		handleTransfers(ctx, w, r, svc)
	})
	mux.HandleFunc("/transfers/cancel", func(w http.ResponseWriter, r *http.Request) {
		handleCancel(w, r, svc)
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		handleStatus(w, r, svc)
	})
	mux.HandleFunc("/logout", func(w http.ResponseWriter, r *http.Request) {
		handleLogout(w, r, svc)
	})
	mux.HandleFunc("/events", func(w http.ResponseWriter, r *http.Request) {
		handleEvents(w, r, svc, logger)
	})

	server := &http.Server{Addr: cfg.Addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown failed", "err", err)
		}
	}()

	logger.Info("bulkpiped listening", "addr", cfg.Addr, "endpoints", len(cfg.Endpoints))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}

	maintenance.Wait()
	svc.Shutdown()
	logger.Info("bulkpiped stopped")
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"ok": true})
}

type transferRequest struct {
	Owner     string `json:"owner"`
	Direction string `json:"direction"` // "download" or "upload"
	Tier      string `json:"tier"`      // "standard" (default) or "privileged"
	FileID    uint64 `json:"file_id"`   // download only
	Size      int64  `json:"size"`      // download only, optional
	Name      string `json:"name"`      // upload only, optional
	Path      string `json:"path"`      // local file path
}

// handleTransfers starts a transfer. The daemon context, not the request
// context, backs the job: the transfer outlives the HTTP exchange.
func handleTransfers(ctx context.Context, w http.ResponseWriter, r *http.Request, svc *app.Service) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req transferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Owner == "" || req.Path == "" {
		sendError(w, http.StatusBadRequest, "owner and path are required")
		return
	}
	tier := admission.TierStandard
	if req.Tier == "privileged" {
		tier = admission.TierPrivileged
	}

	var id string
	var err error
	switch req.Direction {
	case "download":
		id, err = svc.DownloadToFile(ctx, req.Owner, tier, req.FileID, req.Size, req.Path)
	case "upload":
		id, err = svc.UploadFile(ctx, req.Owner, tier, req.Name, req.Path)
	default:
		sendError(w, http.StatusBadRequest, "direction must be 'download' or 'upload'")
		return
	}
	if err != nil {
		sendRejection(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"transfer_id": id})
}

// sendRejection maps admission errors to differentiated HTTP responses.
func sendRejection(w http.ResponseWriter, err error) {
	var cooldown *admission.CooldownError
	switch {
	case errors.As(err, &cooldown):
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{
			"error":               "cooldown_active",
			"retry_after_seconds": int(cooldown.Remaining.Seconds()) + 1,
		})
	case errors.Is(err, admission.ErrAlreadyActive):
		sendError(w, http.StatusConflict, "already_active")
	case errors.Is(err, admission.ErrCapacity):
		sendError(w, http.StatusServiceUnavailable, "capacity_exceeded")
	default:
		sendError(w, http.StatusInternalServerError, err.Error())
	}
}

func handleCancel(w http.ResponseWriter, r *http.Request, svc *app.Service) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		sendError(w, http.StatusBadRequest, "missing owner")
		return
	}
	cancelled := svc.Cancel(owner)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"cancelled": cancelled})
}

func handleStatus(w http.ResponseWriter, r *http.Request, svc *app.Service) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		sendError(w, http.StatusBadRequest, "missing owner")
		return
	}
	state, cooldown := svc.Status(owner)
	resp := map[string]any{
		"state":           state.String(),
		"active_count":    svc.ActiveCount(),
		"pooled_sessions": svc.Pool().Len(),
	}
	if cooldown > 0 {
		resp["cooldown_seconds"] = int(cooldown.Seconds()) + 1
	}
	if id, ok := svc.TransferID(owner); ok {
		resp["transfer_id"] = id
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func handleLogout(w http.ResponseWriter, r *http.Request, svc *app.Service) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		sendError(w, http.StatusBadRequest, "missing owner")
		return
	}
	svc.Logout(owner)
	w.WriteHeader(http.StatusNoContent)
}

// handleEvents streams transfer lifecycle events over a websocket. A
// writer goroutine drains the subscription; the read loop only watches
// for the client going away.
func handleEvents(w http.ResponseWriter, r *http.Request, svc *app.Service, logger *slog.Logger) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	events, cancel := svc.Events().Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	cancel()
	<-done
}

func sendError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// loadCredentials reads "owner token [endpoint]" lines. Blank lines and
// '#' comments are skipped; a missing endpoint defaults to home.
func loadCredentials(store *session.StaticStore, path string, home uint16) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < 2 || len(fields) > 3 {
			return n, fmt.Errorf("line %d: want 'owner token [endpoint]'", line)
		}
		endpoint := home
		if len(fields) == 3 {
			var parsed uint16
			if _, err := fmt.Sscanf(fields[2], "%d", &parsed); err != nil || parsed == 0 {
				return n, fmt.Errorf("line %d: invalid endpoint %q", line, fields[2])
			}
			endpoint = parsed
		}
		store.Set(fields[0], remote.Credentials{Token: fields[1], Endpoint: endpoint})
		n++
	}
	if err := scanner.Err(); err != nil {
		return n, err
	}
	return n, nil
}
