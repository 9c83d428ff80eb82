// Package herald converts natural-language fleet requests into validated,
// human-approved API calls against a fleet-management service.
//
// The pipeline runs entirely on the operator's machine: a managed local
// model interprets the input as a structured chain of reasoning steps, a
// template library binds the extracted entities to a concrete endpoint,
// and an approval state machine gates every outgoing request behind an
// explicit human decision with a full audit trail.
//
// # Quick Start
//
// Install herald:
//
//	go install github.com/kadirpekel/herald/cmd/herald@latest
//
// Point it at a template directory and a fleet API:
//
//	yaml
//	llm:
//	  model: "llama3.2:3b"
//	templates:
//	  dir: "templates"
//	fleet:
//	  base_url: "https://fleet.example.com"
//
// Then describe what you need:
//
//	herald --input "Reserve vehicle VAN-101 for tomorrow morning"
//
// # Using as Go Library
//
// cmd/herald is a thin CLI over pkg/runtime; the packages compose on
// their own as well:
//
//	import (
//	    "github.com/kadirpekel/herald/pkg/config"
//	    "github.com/kadirpekel/herald/pkg/runtime"
//	)
//
// # Architecture
//
//	Input → Reasoning Engine → Template Selection → Validation → Approval → Fleet API
//
// Nothing is sent to the fleet service without passing validation and an
// explicit approval decision.
package herald
