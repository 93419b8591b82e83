// Package config loads the YAML configuration shared by relay-gateway and
// relay-worker.
//
// Values of the form ${VAR} are replaced with environment variables before
// parsing, so secrets such as broker passwords and the JWT secret can stay
// out of the file. Durations are written as Go duration strings ("5s",
// "10m"). Missing values take defaults; Validate reports the first invalid
// setting.
//
// Example:
//
//	gateway:
//	  http_addr: "0.0.0.0:8080"
//	  max_session_lifetime: "10m"
//	broker:
//	  host: "rabbitmq"
//	  username: "relay"
//	  password: "${RABBITMQ_PASSWORD}"
//	  virtual_host: "chat"
//	worker:
//	  max_concurrency: 20
//	  functions:
//	    - id: 8
//	      name: "rag"
//	      agent_url: "http://agent:10000"
//	services:
//	  entity_url: "http://entity:8000"
//	  image_url: "http://vision:8000"
package config
