package remote

// pullResponseSchema describes a pull body. created/updated elements are
// records with an id or bare id strings; deleted elements are ids.
const pullResponseSchema = `{
  "type": "object",
  "required": ["changes", "timestamp"],
  "properties": {
    "timestamp": {"type": "integer", "minimum": 0},
    "changes": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "created": {"type": ["array", "null"], "items": ` + recordSchema + `},
          "updated": {"type": ["array", "null"], "items": ` + recordSchema + `},
          "deleted": {"type": ["array", "null"], "items": ` + idSchema + `}
        }
      }
    }
  }
}`

const idSchema = `{"type": "string", "minLength": 1}`

const recordSchema = `{
  "anyOf": [
    ` + idSchema + `,
    {"type": "object", "required": ["id"], "properties": {"id": ` + idSchema + `}}
  ]
}`
