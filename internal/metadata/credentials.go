package metadata

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"

	fverr "github.com/framevault/framevault/internal/errors"
)

// credentialSchema is the fixed schema every database credential
// descriptor must satisfy before a connection is attempted. All six
// fields are required strings; port must be numeric.
const credentialSchema = `{
	"type": "object",
	"required": ["driver", "user", "password", "host", "port", "dbname"],
	"additionalProperties": false,
	"properties": {
		"driver":   {"type": "string", "minLength": 1},
		"user":     {"type": "string", "minLength": 1},
		"password": {"type": "string"},
		"host":     {"type": "string", "minLength": 1},
		"port":     {"type": "string", "pattern": "^[0-9]+$"},
		"dbname":   {"type": "string", "minLength": 1}
	}
}`

var compiledCredentialSchema = jsonschema.MustCompileString("credentials.schema.json", credentialSchema)

// Credentials describes a database connection, read from a JSON
// descriptor file.
type Credentials struct {
	Driver   string `json:"driver"`
	User     string `json:"user"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     string `json:"port"`
	DBName   string `json:"dbname"`
}

// ParseCredentials validates raw descriptor JSON against the credential
// schema and decodes it.
func ParseCredentials(data []byte) (*Credentials, error) {
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fverr.ErrInvalidCredentials.WithMessage("parsing credential descriptor: %v", err)
	}
	if err := compiledCredentialSchema.Validate(doc); err != nil {
		return nil, fverr.ErrInvalidCredentials.WithMessage("credential descriptor: %v", err)
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fverr.ErrInvalidCredentials.WithMessage("decoding credential descriptor: %v", err)
	}
	return &creds, nil
}

// LoadCredentials reads and validates a credential descriptor file.
func LoadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading credential descriptor: %w", err)
	}
	return ParseCredentials(data)
}

// DSN renders the descriptor as a connection URL, escaping user and
// password.
func (c *Credentials) DSN() string {
	u := url.URL{
		Scheme: c.Driver,
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, c.Port),
		Path:   "/" + c.DBName,
	}
	return u.String()
}
