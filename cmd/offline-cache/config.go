package main

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Origin    string   `yaml:"origin"`
	Port      int      `yaml:"port"`
	Version   string   `yaml:"version"`
	Shell     []string `yaml:"shell"`
	APIPrefix string   `yaml:"apiPrefix"`
	Fallback  string   `yaml:"fallback"`
}

func getConfig(filename string) (Config, error) {
	var config Config
	configBytes, err := os.ReadFile(filename)
	if err != nil {
		return config, err
	}
	err = yaml.Unmarshal(configBytes, &config)
	return config, err
}
