package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Credentials are the secrets needed to talk to the generation service.
// Lookup order is environment first, then a local credentials file with
// KEY=value lines, so CI and developer machines both work unmodified.
type Credentials struct {
	APIKey   string
	Endpoint string
}

const DefaultCredentialsFile = "credentials.txt"

// LoadCredentials resolves the Azure OpenAI key and endpoint. Values already
// present in the environment win over the file; the file is optional.
func LoadCredentials(path string) (Credentials, error) {
	fromFile := map[string]string{}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			m, err := godotenv.Read(path)
			if err != nil {
				return Credentials{}, fmt.Errorf("read %s: %w", path, err)
			}
			fromFile = m
		}
	}

	lookup := func(key string) string {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
		return strings.TrimSpace(fromFile[key])
	}

	creds := Credentials{
		APIKey:   lookup("AZURE_OPENAI_API_KEY"),
		Endpoint: lookup("AZURE_OPENAI_ENDPOINT"),
	}
	if creds.APIKey == "" {
		return Credentials{}, fmt.Errorf("AZURE_OPENAI_API_KEY not set in environment or %s", path)
	}
	if creds.Endpoint == "" {
		return Credentials{}, fmt.Errorf("AZURE_OPENAI_ENDPOINT not set in environment or %s", path)
	}
	return creds, nil
}
