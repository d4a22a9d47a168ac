package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/louisbranch/chatroom/internal/platform/id"
	"github.com/louisbranch/chatroom/internal/services/chat/identity"
	"github.com/louisbranch/chatroom/internal/services/chat/storage"
	"golang.org/x/net/websocket"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
)

// roomCatalog reads and registers stored rooms for the HTTP surface.
type roomCatalog interface {
	Available() bool
	AllRoomMetadata(ctx context.Context) []storage.RoomMetadata
	SaveRoomMetadata(ctx context.Context, meta storage.RoomMetadata) bool
}

type handlerDeps struct {
	coordinator    *Coordinator
	resolver       *identity.Resolver
	catalog        roomCatalog
	hostedUI       *hostedUI
	allowedOrigins []string
}

type roomRegistration struct {
	Name          string   `json:"name"`
	AllowedGroups []string `json:"allowedGroups"`
}

type roomListing struct {
	RoomID      string    `json:"roomId"`
	DisplayName string    `json:"displayName"`
	CreatedAt   time.Time `json:"createdAt"`
	UserCount   int       `json:"userCount"`
	Live        bool      `json:"live"`
}

func newHandler(deps handlerDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)

	if len(deps.allowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   deps.allowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPut, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		store := "unavailable"
		if deps.catalog != nil && deps.catalog.Available() {
			store = "available"
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "store": store})
	})

	r.With(deps.resolver.Middleware).Get("/api/me", func(w http.ResponseWriter, r *http.Request) {
		ident, ok := identity.FromContext(r.Context())
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Authentication required"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"userId": ident.UserID, "email": ident.Email})
	})
	r.Get("/api/rooms", func(w http.ResponseWriter, r *http.Request) {
		listings, err := listRooms(r.Context(), deps.coordinator, deps.catalog)
		if err != nil {
			log.Printf("chat: list rooms: %v", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "rooms unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"rooms": listings})
	})

	r.With(deps.resolver.Middleware).Put("/api/rooms/{roomID}", func(w http.ResponseWriter, r *http.Request) {
		registerRoom(w, r, deps.catalog)
	})

	if deps.hostedUI != nil {
		r.Get("/auth/login", deps.hostedUI.login)
		r.Get("/auth/callback", deps.hostedUI.callback)
		r.Get("/auth/logout", deps.hostedUI.logout)
	}

	wsServer := websocket.Server{
		Handshake: originChecker(deps.allowedOrigins),
		Handler: func(conn *websocket.Conn) {
			handleWSConn(conn, deps.coordinator)
		},
	}
	r.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		ident, err := deps.resolver.Resolve(r.Context(), identity.CredentialFromRequest(r))
		if err != nil {
			log.Printf("chat: websocket unauthorized host=%q remote=%s: %v", r.Host, r.RemoteAddr, err)
			http.Error(w, "authentication required", http.StatusUnauthorized)
			return
		}
		wsServer.ServeHTTP(w, r.WithContext(identity.WithIdentity(r.Context(), ident)))
	})

	return r
}

// originChecker accepts any origin when allowed is empty.
func originChecker(allowed []string) func(*websocket.Config, *http.Request) error {
	return func(config *websocket.Config, r *http.Request) error {
		origin := r.Header.Get("Origin")
		if origin != "" {
			parsed, err := url.ParseRequestURI(origin)
			if err != nil {
				return err
			}
			config.Origin = parsed
		}
		if len(allowed) == 0 || slices.Contains(allowed, "*") {
			return nil
		}
		if !slices.Contains(allowed, origin) {
			return errors.New("origin not allowed")
		}
		return nil
	}
}

func listRooms(ctx context.Context, coordinator *Coordinator, catalog roomCatalog) ([]roomListing, error) {
	live, err := coordinator.Rooms(ctx)
	if err != nil {
		return nil, err
	}
	listings := make([]roomListing, 0, len(live))
	seen := make(map[string]struct{}, len(live))
	for _, room := range live {
		seen[room.RoomID] = struct{}{}
		listings = append(listings, roomListing{
			RoomID:      room.RoomID,
			DisplayName: room.DisplayName,
			CreatedAt:   room.CreatedAt,
			UserCount:   room.UserCount,
			Live:        true,
		})
	}
	if catalog == nil {
		return listings, nil
	}
	for _, meta := range catalog.AllRoomMetadata(ctx) {
		if _, ok := seen[meta.RoomID]; ok {
			continue
		}
		name := meta.Name
		if strings.TrimSpace(name) == "" {
			name = meta.RoomID
		}
		listings = append(listings, roomListing{
			RoomID:      meta.RoomID,
			DisplayName: name,
			CreatedAt:   meta.CreatedAt,
		})
	}
	slices.SortFunc(listings, func(a, b roomListing) int { return strings.Compare(a.RoomID, b.RoomID) })
	return listings, nil
}

// registerRoom stores metadata for a room. Live rooms pick it up the next time
// they are created.
func registerRoom(w http.ResponseWriter, r *http.Request, catalog roomCatalog) {
	ident, ok := identity.FromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Authentication required"})
		return
	}
	roomID := strings.TrimSpace(chi.URLParam(r, "roomID"))
	if roomID == "" || utf8.RuneCountInString(roomID) > maxRoomIDRunes {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid roomId"})
		return
	}
	var body roomRegistration
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFramePayloadBytes)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid room payload"})
		return
	}
	if catalog == nil || !catalog.Available() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "store unavailable"})
		return
	}
	saved := catalog.SaveRoomMetadata(r.Context(), storage.RoomMetadata{
		RoomID:        roomID,
		Name:          strings.TrimSpace(body.Name),
		AllowedGroups: body.AllowedGroups,
	})
	if !saved {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "store unavailable"})
		return
	}
	log.Printf("chat: room registered room=%q by=%q", roomID, ident.UserID)
	w.WriteHeader(http.StatusNoContent)
}

func handleWSConn(conn *websocket.Conn, coordinator *Coordinator) {
	defer func() {
		_ = conn.Close()
	}()

	ctx := context.Background()
	ident := identity.Guest()
	if request := conn.Request(); request != nil {
		ctx = request.Context()
		if resolved, ok := identity.FromContext(ctx); ok {
			ident = resolved
		}
	}

	connID := id.NewConnectionID()
	p := newWSPeer(connID, outboundBuffer)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		p.writeLoop(conn)
	}()

	s, err := coordinator.Connect(ctx, connID, ident, p)
	if err != nil {
		log.Printf("chat: connect user=%q: %v", ident.UserID, err)
		p.close()
		<-writerDone
		return
	}
	defer func() {
		if err := coordinator.Disconnect(context.Background(), s); err != nil && !errors.Is(err, ErrCoordinatorStopped) {
			log.Printf("chat: disconnect user=%q: %v", s.userID, err)
		}
		p.close()
		<-writerDone
	}()

	decoder := json.NewDecoder(conn)
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if !isDecodeError(err) {
				return
			}
			decodeErrors++
			p.send(errorFrame("", "INVALID_ARGUMENT", "invalid frame payload"))
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			// A json syntax error leaves the decoder unusable.
			decoder = json.NewDecoder(conn)
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			p.send(errorFrame(frame.RequestID, "INVALID_ARGUMENT", "payload too large"))
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			p.send(errorFrame(frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded"))
			return
		}

		if err := handleFrame(ctx, coordinator, s, p, frame); err != nil {
			if errors.Is(err, ErrCoordinatorStopped) {
				return
			}
			log.Printf("chat: handle frame type=%q user=%q: %v", frame.Type, s.userID, err)
		}
	}
}

func handleFrame(ctx context.Context, coordinator *Coordinator, s *session, p *wsPeer, frame wsFrame) error {
	switch frame.Type {
	case frameRoomJoin:
		var payload roomPayload
		result := JoinResult{Error: "invalid join payload"}
		if err := json.Unmarshal(frame.Payload, &payload); err == nil {
			result = coordinator.Join(ctx, s, payload.RoomID)
		}
		if frame.RequestID != "" {
			ack := newFrame(frameAck, result)
			ack.RequestID = frame.RequestID
			p.send(ack)
		}
		return nil
	case frameRoomLeave:
		var payload roomPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return nil
		}
		return coordinator.Leave(ctx, s, payload.RoomID)
	case frameMessageSend:
		var payload sendPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return nil
		}
		return coordinator.Send(ctx, s, payload.Content)
	case frameTypingStart:
		return coordinator.Typing(ctx, s, true)
	case frameTypingStop:
		return coordinator.Typing(ctx, s, false)
	default:
		p.send(errorFrame(frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type"))
		return nil
	}
}

// isDecodeError reports whether err came from a malformed frame rather than
// the connection itself.
func isDecodeError(err error) bool {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	return errors.As(err, &syntaxErr) || errors.As(err, &typeErr)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("chat: encode http response: %v", err)
	}
}
