package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/AnuragDani/pos-terminal/internal/models"
)

const (
	defaultGatewayTimeout = 10 * time.Second
	defaultMaxRetries     = 2
)

// GatewaysFile is the on-disk shape of the gateway configuration
type GatewaysFile struct {
	Version  string           `yaml:"version"`
	Gateways []models.Gateway `yaml:"gateways"`
}

// LoadGateways reads the gateway list from a YAML file. Order in the file is kept,
// it breaks priority ties.
func LoadGateways(path string) ([]models.Gateway, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read gateways file: %w", err)
	}

	var file GatewaysFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if len(file.Gateways) == 0 {
		return nil, fmt.Errorf("no gateways defined in %s", path)
	}

	seen := make(map[string]bool, len(file.Gateways))
	for i := range file.Gateways {
		gw := &file.Gateways[i]
		if gw.ID == "" {
			return nil, fmt.Errorf("gateway at index %d has no id", i)
		}
		if seen[gw.ID] {
			return nil, fmt.Errorf("duplicate gateway id %q", gw.ID)
		}
		seen[gw.ID] = true
		applyGatewayDefaults(gw)
	}

	return file.Gateways, nil
}

// LoadGatewaysOrDefault falls back to DefaultGateways when the file cannot be used
func LoadGatewaysOrDefault(path string) []models.Gateway {
	gateways, err := LoadGateways(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v, using default gateways\n", err)
		return DefaultGateways()
	}
	return gateways
}

// DefaultGateways is a primary/secondary/backup chain of simulated gateways
func DefaultGateways() []models.Gateway {
	gateways := []models.Gateway{
		{
			ID:          "gateway1",
			Name:        "Card Terminal",
			Tier:        models.TierPrimary,
			Priority:    1,
			MaxRetries:  2,
			TimeoutMs:   10000,
			Adapter:     models.AdapterSimulated,
			SuccessRate: 0.95,
		},
		{
			ID:          "gateway2",
			Name:        "Secondary Acquirer",
			Tier:        models.TierSecondary,
			Priority:    2,
			MaxRetries:  2,
			TimeoutMs:   10000,
			Adapter:     models.AdapterSimulated,
			SuccessRate: 0.90,
		},
		{
			ID:          "gateway3",
			Name:        "Backup Processor",
			Tier:        models.TierBackup,
			Priority:    3,
			MaxRetries:  1,
			TimeoutMs:   15000,
			Adapter:     models.AdapterSimulated,
			SuccessRate: 0.85,
		},
	}

	for i := range gateways {
		applyGatewayDefaults(&gateways[i])
	}
	return gateways
}

func applyGatewayDefaults(gw *models.Gateway) {
	if gw.Name == "" {
		gw.Name = gw.ID
	}
	if gw.Tier == "" {
		gw.Tier = models.TierBackup
	}
	if gw.Status == "" {
		gw.Status = models.GatewayOnline
	}
	if gw.MaxRetries < 0 {
		gw.MaxRetries = defaultMaxRetries
	}
	if gw.TimeoutMs > 0 {
		gw.Timeout = time.Duration(gw.TimeoutMs) * time.Millisecond
	}
	if gw.Timeout <= 0 {
		gw.Timeout = defaultGatewayTimeout
	}
	if gw.Adapter == "" {
		gw.Adapter = models.AdapterHTTP
	}
}
