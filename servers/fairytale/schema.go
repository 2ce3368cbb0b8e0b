package fairytale

import "github.com/qri-io/jsonschema"

const (
	pingPongToolName = "ping-pong"

	mimeTypeJSON = "application/json"

	descriptionFound   = "Fairytale project configuration file"
	descriptionMissing = "Fairytale project directory (configuration file not found)"
)

// PingPongArgs is the arguments for the ping-pong tool.
type PingPongArgs struct {
	Message string `json:"message"`
}

const pingPongSchemaJSON = `{
  "type": "object",
  "properties": {
    "message": {
      "type": "string",
      "description": "The message to send to the user"
    }
  },
  "required": ["message"]
}`

var pingPongSchema = jsonschema.Must(pingPongSchemaJSON)
