// Copyright 2026 Cordon Labs
//
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

// Package cordon provides a trust-enforcement gateway for autonomous agents.
//
// Cordon sits between agent workflows and the outside world. Every tool
// call passes through a trust gate that classifies it L0 (free read) through
// L4 (human approval required), decides whether it executes directly or
// inside a sandbox, and appends an audit event either way. Side effects
// leave the system only through the commit boundary, which re-verifies
// approval, reviewer verdict, and expiry before anything irreversible runs.
//
// # Quick Start
//
// Install the CLI:
//
//	go install github.com/cordonlabs/cordon/cmd/cordon@latest
//
// Create a gateway configuration:
//
//	yaml
//	database:
//	  dialect: "sqlite"
//	  dsn: "cordon.db"
//
//	gate:
//	  approval_threshold: "L2"
//
//	llms:
//	  main:
//	    type: "openai"
//	    model: "gpt-4o-mini"
//	    api_key: "${OPENAI_API_KEY}"
//
// Run a workflow and review its approvals:
//
//	cordon run daily_ops_brief --config cordon.yaml
//	cordon pending
//	cordon approve <request-id> --by ops@example.com
//
// Start the approval server:
//
//	cordon serve --config cordon.yaml
//
// # Using as Go Library
//
// Hosts embed the gateway by importing the packages directly:
//
//	import (
//	    "github.com/cordonlabs/cordon/adapter"
//	    "github.com/cordonlabs/cordon/gate"
//	    "github.com/cordonlabs/cordon/orchestrator"
//	    "github.com/cordonlabs/cordon/router"
//	)
//
// Domain adapters contribute tools, agents, and workflows; see
// adapter/asiops for the reference implementation.
//
// # Architecture
//
// Every call flows through the same chain:
//
//	Agent → Router → Trust Gate → (Direct | Sandbox) → Audit
//	                            → Commit Boundary → Side Effect
//
// The gate never decides from tool output, only from declared metadata,
// and unknown metadata always fails closed.
package cordon
