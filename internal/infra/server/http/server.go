// Package httpserver exposes the HTTP control surface for shared subscriptions.
package httpserver

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coachpo/subhub/errs"
	"github.com/coachpo/subhub/internal/app/provider"
	"github.com/coachpo/subhub/internal/app/subscription"
	"github.com/coachpo/subhub/internal/domain/schema"
	"github.com/coachpo/subhub/internal/infra/bus/eventbus"
	"github.com/coachpo/subhub/internal/infra/config"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	subscriptionsPath     = "/subscriptions"
	subscriptionsClearURL = subscriptionsPath + "/clear"
	statsPath             = "/stats"
	exchangesPath         = "/exchanges"
	exchangeDetailPrefix  = exchangesPath + "/"
	streamPath            = "/stream"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	environment config.Environment
	coordinator *subscription.Coordinator
	exchanges   *provider.Manager
	bus         eventbus.Bus
	logger      *log.Logger
}

type subscriptionPayload struct {
	Strategy string         `json:"strategy"`
	Exchange string         `json:"exchange"`
	Symbol   string         `json:"symbol"`
	Type     string         `json:"type"`
	Method   string         `json:"method,omitempty"`
	Params   map[string]any `json:"params,omitempty"`
}

// NewHandler creates the HTTP handler for subscription management.
func NewHandler(environment config.Environment, coordinator *subscription.Coordinator, exchanges *provider.Manager, bus eventbus.Bus, logger *log.Logger) http.Handler {
	if logger == nil {
		logger = log.New(os.Stdout, "http ", log.LstdFlags|log.Lmicroseconds)
	}
	server := &httpServer{environment: environment, coordinator: coordinator, exchanges: exchanges, bus: bus, logger: logger}
	mux := http.NewServeMux()

	mux.Handle(subscriptionsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:    server.listSubscriptions,
		http.MethodPost:   server.subscribe,
		http.MethodDelete: server.unsubscribe,
	}))
	mux.Handle(subscriptionsClearURL, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.clearSubscriptions,
	}))
	mux.Handle(statsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getStats,
	}))
	mux.Handle(exchangesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.listExchanges,
	}))
	mux.Handle(exchangeDetailPrefix, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.exchangeAction,
	}))
	mux.Handle(streamPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.streamEvents,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	var infos []subscription.Info
	if strategy := strings.TrimSpace(r.URL.Query().Get("strategy")); strategy != "" {
		infos = s.coordinator.StrategySubscriptions(strategy)
	} else {
		infos = s.coordinator.AllSubscriptions()
	}
	if infos == nil {
		infos = []subscription.Info{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": infos})
}

func (s *httpServer) subscribe(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	payload, err := decodeSubscriptionPayload(r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	typ, err := schema.ParseDataType(payload.Type)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	hint, err := schema.ParseMethod(payload.Method)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	adapter, ok := s.exchanges.Exchange(payload.Exchange)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("exchange %q not found", payload.Exchange))
		return
	}

	params := schema.Params(payload.Params)
	if err := s.coordinator.Subscribe(r.Context(), payload.Strategy, adapter, payload.Symbol, typ, params, hint); err != nil {
		writeCoordinatorError(w, err)
		return
	}
	key, err := schema.NewKey(adapter.Name(), payload.Symbol, typ, params)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	info, ok := s.coordinator.Subscription(key)
	if !ok {
		// Released by a concurrent request between subscribe and lookup.
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "id": key.ID()})
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *httpServer) unsubscribe(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	payload, err := decodeSubscriptionPayload(r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	if strings.TrimSpace(payload.Strategy) == "" {
		writeError(w, http.StatusBadRequest, "strategy name required")
		return
	}
	typ, err := schema.ParseDataType(payload.Type)
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	key, err := schema.NewKey(payload.Exchange, payload.Symbol, typ, schema.Params(payload.Params))
	if err != nil {
		writeCoordinatorError(w, err)
		return
	}
	s.coordinator.UnsubscribeKey(r.Context(), payload.Strategy, key)
	w.WriteHeader(http.StatusNoContent)
}

func (s *httpServer) clearSubscriptions(w http.ResponseWriter, r *http.Request) {
	s.coordinator.Clear(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *httpServer) getStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"environment":   s.environment,
		"subscriptions": s.coordinator.Stats(),
		"pollers":       s.coordinator.ActivePollers(),
	})
}

func (s *httpServer) listExchanges(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"exchanges": s.exchanges.Metadata(),
		"adapters":  s.exchanges.Registry().Adapters(),
	})
}

// exchangeAction handles POST /exchanges/{name}/connect and /disconnect.
func (s *httpServer) exchangeAction(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, exchangeDetailPrefix), "/")
	name, action, ok := strings.Cut(rest, "/")
	if !ok || strings.TrimSpace(name) == "" {
		writeError(w, http.StatusNotFound, "exchange action required")
		return
	}
	var connected bool
	switch strings.TrimSpace(action) {
	case "connect":
		connected = true
	case "disconnect":
		connected = false
	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown exchange action %q", action))
		return
	}
	if err := s.exchanges.SetConnected(name, connected); err != nil {
		writeProviderError(w, err)
		return
	}
	s.logger.Printf("http: exchange connectivity set name=%s connected=%t", name, connected)
	writeJSON(w, http.StatusOK, map[string]any{"name": schema.NormalizeExchange(name), "connected": connected})
}

func writeCoordinatorError(w http.ResponseWriter, err error) {
	switch errs.CodeOf(err) {
	case errs.CodeInvalid:
		writeError(w, http.StatusBadRequest, err.Error())
	case errs.CodeNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case errs.CodeUnavailable:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errs.CodeAdapter:
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeProviderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, provider.ErrExchangeNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, provider.ErrConnectivityUnsupported):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

func decodeSubscriptionPayload(r *http.Request) (subscriptionPayload, error) {
	defer func() {
		_ = r.Body.Close()
	}()
	var payload subscriptionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	return payload, nil
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
