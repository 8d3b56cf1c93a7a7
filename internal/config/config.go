package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/clinicflow/videoconsult/internal/domain"
)

const defaultSTUN = "stun:stun.l.google.com:19302"

// Config holds the application configuration.
type Config struct {
	APIURL        string   `validate:"required,url"`
	APIToken      string   `validate:"required"`
	SignalURL     string   `validate:"required,url,startswith=ws"`
	AppointmentID string   `validate:"required,uuid"`
	STUNURLs      []string `validate:"dive,required,startswith=stun"`
	AudioSource   string   `validate:"omitempty,file"`
	VideoSource   string   `validate:"omitempty,file"`
	OutputDir     string   `validate:"required"`
	ControlAddr   string   `validate:"omitempty,hostname_port"`
	ControlOrigin []string `validate:"dive,url"`
	LogLevel      string   `validate:"oneof=trace debug info warn error"`
	LogFile       string
}

// Appointment returns the parsed appointment ID.
func (c *Config) Appointment() uuid.UUID {
	return uuid.MustParse(c.AppointmentID)
}

// ICEServers returns the STUN servers as ICE server entries.
func (c *Config) ICEServers() []domain.ICEServer {
	servers := make([]domain.ICEServer, 0, len(c.STUNURLs))
	for _, u := range c.STUNURLs {
		servers = append(servers, domain.ICEServer{URL: u})
	}
	return servers
}

// Load reads configuration from a .env file (if present) and environment variables.
// Environment variables take precedence over .env values.
func Load() (*Config, error) {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	cfg := &Config{
		APIURL:        os.Getenv("CONSULT_API_URL"),
		APIToken:      os.Getenv("CONSULT_API_TOKEN"),
		SignalURL:     os.Getenv("CONSULT_SIGNAL_URL"),
		AppointmentID: os.Getenv("CONSULT_APPOINTMENT_ID"),
		STUNURLs:      splitList(getenv("CONSULT_STUN_URLS", defaultSTUN)),
		AudioSource:   os.Getenv("CONSULT_AUDIO_SOURCE"),
		VideoSource:   os.Getenv("CONSULT_VIDEO_SOURCE"),
		OutputDir:     getenv("CONSULT_OUTPUT_DIR", "consult-out"),
		ControlAddr:   os.Getenv("CONSULT_CONTROL_ADDR"),
		ControlOrigin: splitList(os.Getenv("CONSULT_CONTROL_ORIGINS")),
		LogLevel:      strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogFile:       os.Getenv("LOG_FILE"),
	}

	if err := validator.New().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return nil, fmt.Errorf("invalid configuration: %s", describe(verrs))
		}
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

var envNames = map[string]string{
	"APIURL":        "CONSULT_API_URL",
	"APIToken":      "CONSULT_API_TOKEN",
	"SignalURL":     "CONSULT_SIGNAL_URL",
	"AppointmentID": "CONSULT_APPOINTMENT_ID",
	"STUNURLs":      "CONSULT_STUN_URLS",
	"AudioSource":   "CONSULT_AUDIO_SOURCE",
	"VideoSource":   "CONSULT_VIDEO_SOURCE",
	"OutputDir":     "CONSULT_OUTPUT_DIR",
	"ControlAddr":   "CONSULT_CONTROL_ADDR",
	"ControlOrigin": "CONSULT_CONTROL_ORIGINS",
	"LogLevel":      "LOG_LEVEL",
}

func describe(verrs validator.ValidationErrors) string {
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.StructField()
		// dive errors are reported as Field[i]
		if i := strings.IndexByte(field, '['); i >= 0 {
			field = field[:i]
		}
		name := envNames[field]
		if name == "" {
			name = field
		}
		if fe.Tag() == "required" {
			parts = append(parts, name+" is required")
			continue
		}
		parts = append(parts, fmt.Sprintf("%s fails %s", name, fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
