/*
 * Copyright 2012-2023 Jason Woods and contributors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"path"

	"gopkg.in/op/go-logging.v1"
	"gopkg.in/yaml.v2"
)

var log *logging.Logger

func init() {
	log = logging.MustGetLogger("config")
}

var (
	// DefaultConfigurationFile is a path to the default configuration file to
	// load, this can be changed during init()
	DefaultConfigurationFile = ""
)

// SectionCreator creates a new section structure with its defaults set
type SectionCreator func() interface{}

// registeredSections contains the registered section creators that are
// processed into all new Config structures
var registeredSections = make(map[string]SectionCreator)

// RegisterSection registers a new section creator which will be used to
// create new sections that will be available via Section() in all created
// Config structures
func RegisterSection(name string, creator SectionCreator) {
	registeredSections[name] = creator
}

// Config holds all the configuration
type Config struct {
	Sections map[string]interface{}
}

// NewConfig creates a new, empty, configuration structure
func NewConfig() *Config {
	c := &Config{
		Sections: make(map[string]interface{}),
	}

	for name, creator := range registeredSections {
		c.Sections[name] = creator()
	}

	return c
}

// Section returns the requested configuration section, or nil if it is not
// registered
func (c *Config) Section(name string) interface{} {
	ret, ok := c.Sections[name]
	if !ok {
		return nil
	}

	return ret
}

// Load the configuration from the given file
func (c *Config) Load(filePath string) error {
	rawConfig := make(map[string]interface{})
	if err := c.loadFile(filePath, &rawConfig); err != nil {
		return err
	}

	return c.Parse(rawConfig)
}

// Parse populates the configuration from raw configuration data and
// validates each section
func (c *Config) Parse(rawConfig map[string]interface{}) error {
	p := NewParser(c)

	for name, rawSection := range rawConfig {
		section, ok := c.Sections[name]
		if !ok {
			return fmt.Errorf("Option /%s is not available", name)
		}

		rawMap, ok := rawSection.(map[string]interface{})
		if !ok {
			return fmt.Errorf("Option /%s must be a section", name)
		}

		if err := p.Populate(section, rawMap, fmt.Sprintf("/%s", name)); err != nil {
			return err
		}
	}

	// Validate every section, even those the file did not mention, so
	// required values are still enforced
	for name, section := range c.Sections {
		if validator, ok := section.(Validator); ok {
			if err := validator.Validate(p, fmt.Sprintf("/%s", name)); err != nil {
				return err
			}
		}
	}

	if log.IsEnabledFor(logging.DEBUG) {
		rendered, err := json.MarshalIndent(c.Sections, "", "\t")
		if err == nil {
			log.Debugf("Final configuration: %s", rendered)
		}
	}

	return nil
}

// loadFile detects the extension of the given file and loads it using the
// relevant load function
func (c *Config) loadFile(filePath string, rawConfig *map[string]interface{}) error {
	ext := path.Ext(filePath)

	switch ext {
	case ".json":
		return c.loadJSONFile(filePath, rawConfig)
	case ".conf":
		return c.loadJSONFile(filePath, rawConfig)
	case ".yaml":
		return c.loadYAMLFile(filePath, rawConfig)
	}

	return fmt.Errorf("File extension '%s' is not within the known extensions: conf, json, yaml", ext)
}

// loadJSONFile loads a JSON configuration file
func (c *Config) loadJSONFile(filePath string, rawConfig *map[string]interface{}) error {
	data, err := ioutil.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("Failed to read %s: %s", filePath, err)
	}

	if err := json.Unmarshal(data, rawConfig); err != nil {
		return fmt.Errorf("Failed to parse %s: %s", filePath, err)
	}

	return nil
}

// loadYAMLFile loads a YAML configuration file
func (c *Config) loadYAMLFile(filePath string, rawConfig *map[string]interface{}) error {
	data, err := ioutil.ReadFile(filePath)
	if err != nil {
		return fmt.Errorf("Failed to read %s: %s", filePath, err)
	}

	rawYAML := make(map[interface{}]interface{})
	if err := yaml.Unmarshal(data, &rawYAML); err != nil {
		return fmt.Errorf("Failed to parse %s: %s", filePath, err)
	}

	fixed, err := fixMapInterfaceKeys("/", rawYAML)
	if err != nil {
		return err
	}

	*rawConfig = fixed
	return nil
}

// fixMapInterfaceKeys converts YAML map entries where the keys are
// interface{} values into map entries where the key is a string, as the
// parser and json.Marshal require concrete string keys
func fixMapInterfaceKeys(path string, value map[interface{}]interface{}) (map[string]interface{}, error) {
	fixedMap := make(map[string]interface{})

	for k, v := range value {
		ks, ok := k.(string)
		if !ok {
			return nil, fmt.Errorf("Invalid non-string key at %s", path)
		}

		switch vt := v.(type) {
		case map[interface{}]interface{}:
			fixedValue, err := fixMapInterfaceKeys(path+"/"+ks, vt)
			if err != nil {
				return nil, err
			}

			fixedMap[ks] = fixedValue
		default:
			fixedMap[ks] = vt
		}
	}

	return fixedMap, nil
}
