// Command server wires together every collaborator described in SPEC_FULL.md
// and starts the combined HTTP/WebSocket listener: static file serving and
// a TURN credentials endpoint (carried over from the teacher's root main.go),
// the REST CRUD surface, and the signalling hub driving the session manager.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/overlaymeet/server/internal/api"
	"github.com/overlaymeet/server/internal/auth"
	"github.com/overlaymeet/server/internal/config"
	"github.com/overlaymeet/server/internal/crypto"
	"github.com/overlaymeet/server/internal/logx"
	"github.com/overlaymeet/server/internal/ports"
	"github.com/overlaymeet/server/internal/session"
	"github.com/overlaymeet/server/internal/settings"
	"github.com/overlaymeet/server/internal/sfu"
	"github.com/overlaymeet/server/internal/store"
	"github.com/overlaymeet/server/internal/transform"
	"github.com/overlaymeet/server/internal/wsx"
)

const turnCredentialTTL = time.Hour

func main() {
	cfg := config.FromEnv()

	db, err := store.Open(cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}

	cipher, err := crypto.New(cfg.FieldEncryptionSecret)
	if err != nil {
		log.Fatalf("build field cipher: %v", err)
	}

	verifier := auth.NewStubVerifier(cfg.IdentityProviderURL)

	allocator := ports.New(cfg.PortBase, cfg.PortUpper)
	settingsStore := settings.NewStore()
	overlayCache := transform.NewCache()
	watermark := transform.NewWatermarkTransform(overlayCache)

	hub := wsx.NewHub()
	wsx.SetGlobalHub(hub)
	go hub.Run()

	registry := wsx.NewCommandRegistry()

	newRouter := func() (*sfu.Router, error) {
		router, err := sfu.NewRouter()
		if err != nil {
			return nil, err
		}
		if cfg.TURNSecret != "" {
			username, credential := config.TURNCredentials(cfg.TURNSecret, turnCredentialTTL)
			router.SetICEServers(sfu.BuildICEServers(cfg.TURNURL, username, credential))
		}
		return router, nil
	}

	manager := session.New(hub, settingsStore, allocator, watermark, newRouter)
	manager.RegisterHandlers(registry)
	wsx.SetDisconnectHook(manager.Disconnect)

	mux := http.NewServeMux()

	apiHandlers := api.New(db, cipher, verifier, "./overlays")
	apiHandlers.Register(mux)

	mux.Handle("/overlays/", http.StripPrefix("/overlays/", http.FileServer(http.Dir("./overlays"))))

	mux.HandleFunc("/turn-credentials", func(w http.ResponseWriter, r *http.Request) {
		if cfg.TURNSecret == "" {
			http.Error(w, "turn not configured", http.StatusNotFound)
			return
		}
		username, credential := config.TURNCredentials(cfg.TURNSecret, turnCredentialTTL)
		writeJSON(w, map[string]string{"username": username, "password": credential, "url": cfg.TURNURL})
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.URL.Query().Get("session")
		if sessionID == "" {
			sessionID = fmt.Sprintf("sess-%d", time.Now().UnixNano())
		}
		if _, err := wsx.Upgrade(w, r, hub, registry, sessionID); err != nil {
			logx.Error("websocket upgrade failed", err, nil)
		}
	})

	mux.Handle("/", http.FileServer(http.Dir("./web")))

	logx.Info("starting server", logx.Fields{"addr": cfg.HTTPAddr})
	log.Fatal(http.ListenAndServe(cfg.HTTPAddr, mux))
}

func writeJSON(w http.ResponseWriter, v map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Error("failed to encode response", err, nil)
	}
}
