// Copyright 2025 TripFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package relay

import (
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"tripflow/backend/orchestrate"
	"tripflow/backend/shared/logger"
)

// TripFlow Relay - watsonx Orchestrate run lifecycle adapter
// This service submits frontend queries as Orchestrate runs and serves
// normalized poll results back to the frontend.

// Components, created once at startup and shared by all requests
var (
	orchestrateClient *orchestrate.Client
	auditLogger       *AuditLogger
	relayMetrics      *RelayMetrics
	requestLog        *logger.Logger
)

// Prometheus metrics
var (
	promRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripflow_relay_requests_total",
			Help: "Total number of requests handled by the relay",
		},
		[]string{"status"},
	)
	promRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tripflow_relay_request_duration_milliseconds",
			Help:    "Request duration in milliseconds",
			Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000},
		},
		[]string{"type"},
	)
	promUpstreamCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripflow_relay_upstream_calls_total",
			Help: "Total number of watsonx Orchestrate API calls",
		},
		[]string{"endpoint", "status"},
	)
)

func init() {
	// Register Prometheus metrics
	prometheus.MustRegister(promRequestsTotal)
	prometheus.MustRegister(promRequestDuration)
	prometheus.MustRegister(promUpstreamCalls)
}

// Run is the exported entry point for the relay service.
//
// It loads configuration, initializes all components and starts the HTTP
// server. The function blocks until the server is shut down.
//
// Environment variables used:
//   - PORT: HTTP server port (default: 8000)
//   - WXO_API_KEY: IBM Cloud API key
//   - WXO_BASE_URL: watsonx Orchestrate API base URL
//   - WXO_INSTANCE_ID: Orchestrate instance identifier
//   - WXO_AGENT_ID: agent to run queries against
//   - WXO_TOKEN_URL: IAM token endpoint (optional)
//   - RELAY_CONFIG_FILE: YAML config file for upstream credentials (optional)
//   - DATABASE_URL: PostgreSQL connection string for audit logging (optional)
//   - REDIS_URL: Redis URL for the shared token cache (optional)
func Run() {
	log.Println("Starting TripFlow Relay...")

	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	initializeComponents(cfg)
	defer auditLogger.Close()

	// CORS middleware
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"}, // Configure for production
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	// Start server
	handler := c.Handler(newRouter())
	log.Printf("TripFlow Relay listening on port %s", cfg.Port)
	log.Fatal(http.ListenAndServe(":"+cfg.Port, handler))
}

// newRouter builds the relay route table
func newRouter() *mux.Router {
	r := mux.NewRouter()

	// Health check
	r.HandleFunc("/health", healthHandler).Methods("GET")

	// Metrics endpoints
	r.HandleFunc("/metrics", metricsHandler).Methods("GET")    // JSON metrics
	r.Handle("/prometheus", promhttp.Handler()).Methods("GET") // Prometheus native format

	// Run lifecycle endpoints
	r.HandleFunc("/api/chat", chatHandler).Methods("POST")
	// Both routes are needed: the frontend polls with whatever run id it
	// holds, including an empty one right after page load.
	r.HandleFunc("/api/chat/status/", runStatusHandler).Methods("GET")
	r.HandleFunc("/api/chat/status/{run_id}", runStatusHandler).Methods("GET")

	return r
}

func initializeComponents(cfg *Config) {
	if missing := cfg.MissingSettings(); len(missing) > 0 {
		log.Printf("WARNING: incomplete upstream configuration, missing: %v", missing)
		log.Println("Requests will fail until the missing settings are provided")
	}

	// Token store: Redis-backed when configured, in-process otherwise
	var tokenStore orchestrate.TokenStore
	if cfg.RedisURL != "" {
		redisStore, err := orchestrate.NewRedisTokenStore(cfg.RedisURL)
		if err != nil {
			log.Printf("Failed to connect token cache to Redis: %v", err)
			log.Println("Falling back to in-process token cache")
		} else {
			tokenStore = redisStore
			log.Println("Token cache backed by Redis (shared across replicas)")
		}
	}

	orchestrateClient = orchestrate.NewClient(orchestrate.Config{
		APIKey:     cfg.APIKey,
		BaseURL:    cfg.BaseURL,
		InstanceID: cfg.InstanceID,
		AgentID:    cfg.AgentID,
		TokenURL:   cfg.TokenURL,
		TokenStore: tokenStore,
	})
	if orchestrateClient.IsConfigured() {
		log.Println("Orchestrate client initialized and configured")
	} else {
		log.Println("Orchestrate client initialized (not configured)")
	}

	// Audit logger degrades to a no-op without a database
	auditLogger = NewAuditLogger(cfg.DatabaseURL)
	log.Println("Audit logger initialized")

	relayMetrics = NewRelayMetrics()
	log.Println("Relay metrics initialized")

	requestLog = logger.New("relay")
}
