// Package config loads the servctl configuration.
//
// Configuration is layered. The built-in defaults are overridden by the user
// file (~/.config/servctl/config.yaml), which is overridden by the project
// file (./.servctl/config.yaml). Passing --config loads a single file on top
// of the defaults instead.
//
// Example:
//
//	globalSettings:
//	  stateDir: ~/.local/state/servctl
//	  watchSources: true
//	api:
//	  port: 8090
//	servers:
//	  - id: shop
//	    type: local.process
//	    attributes:
//	      command: ./bin/shop --port 8080
//	      deployDir: ./deploy
//	      healthURL: http://localhost:8080/healthz
//	    modules:
//	      - id: shop-ear
//	        type: jee.ear
//	        children:
//	          - id: shop-web
//	            type: jee.web
//	            source: ./web
//	tasks:
//	  - name: build-web
//	    scope: module
//	    moduleTypes: [jee.web]
//	    run: npm run build
//
// Servers, server types and tasks from a later layer replace entries with the
// same id (name for tasks) and are appended otherwise.
package config
