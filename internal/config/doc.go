// Package config handles configuration loading for kbm.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion. The package validates units, views, and token mappings at load
// time so that permission checks never encounter malformed configuration.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${KBM_JWT_SECRET}"
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	federation:
//	  unit_timeout: "5s"
//	  deadline: "15s"
//
// # Configuration Sections
//
// Server and logging:
//
//	server:
//	  http_addr: ":8420"
//	  transport: "http"   # http or stdio
//	  require_auth: true
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// Storage units:
//
//	units:
//	  - id: proj1
//	    data_root: /var/lib/kbm/proj1
//	    engine: text            # text, semantic, markdown
//	    secondary_engines: [markdown]
//	    history: full           # full or latest
//
// Views and tokens:
//
//	views:
//	  - name: default
//	    read: [proj1, proj2]
//	    write: [proj1]
//	auth:
//	  tokens:
//	    - token: "${KBM_TOKEN}"
//	      view: default
//
// A token maps to exactly one view; the view alone decides which units the
// caller may read or write.
package config
