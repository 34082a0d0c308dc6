package server

import (
	"net/http"

	"chainrunner/internal/gateway/handler"
	"chainrunner/internal/gateway/middleware"
)

// ChainsPrefix is where the mobile client expects the chain API.
const ChainsPrefix = "/comfymobile/api/chains"

func NewMux(chainHandler *handler.ChainHandler) http.Handler {
	mux := http.NewServeMux()

	chainHandler.Register(mux, ChainsPrefix)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	})

	return middleware.CORS(mux)
}
