package avalia

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"reflect"
	"regexp"
	"runtime"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// FirebaseConfig is the web app configuration record issued by the Firebase
// console, plus the server side settings needed to reach the project.
type FirebaseConfig struct {
	APIKey            string
	AuthDomain        string
	ProjectID         string
	StorageBucket     string
	MessagingSenderID string
	AppID             string
	MeasurementID     string
	// server only, never rendered into pages
	CredentialsFile    string `json:",omitempty"`
	AnalyticsAPISecret string `json:",omitempty"`
}

// WebConfig returns the fields the browser SDK expects, keyed the way the
// console prints them.
func (f FirebaseConfig) WebConfig() map[string]string {
	return map[string]string{
		"apiKey":            f.APIKey,
		"authDomain":        f.AuthDomain,
		"projectId":         f.ProjectID,
		"storageBucket":     f.StorageBucket,
		"messagingSenderId": f.MessagingSenderID,
		"appId":             f.AppID,
		"measurementId":     f.MeasurementID,
	}
}

type Config struct {
	// file
	Debug               bool
	ListenPort          string
	ManagementPort      string
	Backend             string
	Firebase            FirebaseConfig
	Collection          string
	DBConnString        string
	DBPoolSize          int
	DBQueryTimeout      int
	TemplateRoot        string
	FileServers         map[string]string
	AdminAuth           map[string]string
	AdminPageSize       int
	SubmitRatePerMinute int
	AnalyticsEndpoint   string
	Routes              []Route
}

func (c *Config) String() string {
	redacted := *c
	if redacted.Firebase.AnalyticsAPISecret != "" {
		redacted.Firebase.AnalyticsAPISecret = "***"
	}
	if _, ok := redacted.AdminAuth["Password"]; ok {
		redacted.AdminAuth = map[string]string{"User": c.AdminAuth["User"], "Password": "***"}
	}
	return fmt.Sprintf("%+v", redacted)
}

func (c *Config) setDefaults() {
	c.Debug = false
	c.ListenPort = "8080"
	c.Backend = BackendFirestore
	c.Collection = "avaliacoes"
	c.DBConnString = "postgresql://postgres@localhost:5432/postgres"
	c.DBPoolSize = runtime.NumCPU()
	c.DBQueryTimeout = 60
	c.FileServers = make(map[string]string)
	c.AdminAuth = make(map[string]string)
	c.AdminPageSize = 100
	c.SubmitRatePerMinute = 10
	c.AnalyticsEndpoint = "https://www.google-analytics.com"
}

var (
	ErrEmptyConfig         = errors.New("config is empty")
	ErrIncompleteAdminAuth = errors.New("AdminAuth needs both User and Password")
)

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references. A bare $ is left alone.
func expandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		return os.Getenv(ref[2 : len(ref)-1])
	})
}

// expandStrings expands ${VAR} in every string value of a decoded document.
func expandStrings(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return expandEnv(val)
	case map[string]interface{}:
		for k, item := range val {
			val[k] = expandStrings(item)
		}
	case []interface{}:
		for i, item := range val {
			val[i] = expandStrings(item)
		}
	}
	return v
}

// Parse reads a JSON config. ${VAR} references in string values are
// expanded from the environment.
func (c *Config) Parse(b []byte) error {
	var generic map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	err := dec.Decode(&generic)
	if err != nil {
		return err
	}
	return c.decodeGeneric(generic)
}

// ParseFile reads a config file, picking the format from its extension.
// Anything other than .yaml, .yml or .toml is read as JSON.
func (c *Config) ParseFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var generic map[string]interface{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &generic)
	case ".toml":
		err = toml.Unmarshal(b, &generic)
	default:
		return c.Parse(b)
	}
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return c.decodeGeneric(generic)
}

// decodeGeneric funnels every format through json so they share the same
// field matching.
func (c *Config) decodeGeneric(generic map[string]interface{}) error {
	if generic == nil {
		return ErrEmptyConfig
	}
	expandStrings(generic)
	b, err := json.Marshal(generic)
	if err != nil {
		return err
	}
	return c.decode(b)
}

func (c *Config) decode(b []byte) error {
	c.setDefaults()
	err := json.Unmarshal(b, c)
	if err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Value == "number" && typeErr.Type.Kind() == reflect.String {
			return fmt.Errorf("config field %s must be a string, quote the value: %w", typeErr.Field, err)
		}
		return err
	}
	if len(c.Routes) == 0 {
		c.Routes = DefaultRoutes()
	}
	if c.FileServers == nil {
		c.FileServers = make(map[string]string)
	}
	if c.AdminAuth == nil {
		c.AdminAuth = make(map[string]string)
	}
	if (c.AdminAuth["User"] == "") != (c.AdminAuth["Password"] == "") {
		return ErrIncompleteAdminAuth
	}
	who, err := user.Current()
	if err != nil {
		return err
	}
	if c.TemplateRoot != "" {
		c.TemplateRoot, err = c.ResolveUserDir(who.HomeDir, c.TemplateRoot)
		if err != nil {
			return err
		}
	}
	if c.Firebase.CredentialsFile != "" {
		c.Firebase.CredentialsFile, err = c.ResolveUserDir(who.HomeDir, c.Firebase.CredentialsFile)
		if err != nil {
			return err
		}
	}
	for key, val := range c.FileServers {
		c.FileServers[key], err = c.ResolveUserDir(who.HomeDir, val)
		if err != nil {
			return err
		}
	}
	return ValidateRoutes(c.Routes)
}

func (c *Config) ResolveUserDir(homeDir, path string) (string, error) {
	result := path
	if strings.HasPrefix(path, "~/") {
		result = filepath.Join(homeDir, path[2:])
	}
	return filepath.Abs(result)
}

// AdminProtected reports whether the admin route requires basic auth.
func (c *Config) AdminProtected() bool {
	return c.AdminAuth["User"] != "" && c.AdminAuth["Password"] != ""
}
