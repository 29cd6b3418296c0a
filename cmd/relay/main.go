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

// Package main is the entry point for the TripFlow Relay service.
//
// The Relay is a thin adapter between the TripFlow frontend and an IBM
// watsonx Orchestrate instance:
// - Exchanges the configured API key for IAM bearer tokens (with caching)
// - Submits user queries as asynchronous Orchestrate runs
// - Polls run status and normalizes the nested payload into
//   {status, answer, itineraries}
// - Records submissions and polls in an optional Postgres audit log
//
// Usage:
//
//	./relay
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8000)
//	WXO_API_KEY - IBM Cloud API key
//	WXO_BASE_URL - watsonx Orchestrate API base URL
//	WXO_INSTANCE_ID - Orchestrate instance identifier
//	WXO_AGENT_ID - agent to run queries against
//	DATABASE_URL - PostgreSQL connection string for audit logging (optional)
//	REDIS_URL - Redis URL for the shared token cache (optional)
package main

import (
	"tripflow/backend/relay"
)

func main() {
	relay.Run()
}
