package util

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/template"
)

const maxConfigFileSize = 10 * 1024 * 1024

// ReadJsonWithEnvSub reads JSON config file and maps to a provided interface with environment variable substitution.
// Values such as {{ .SSHFLEET_FINANCIAL_TOKEN }} are replaced before the file is parsed.
func ReadJsonWithEnvSub(file string, res interface{}) (interface{}, error) {
	envVars := getEnvMap()

	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	bs, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(bs) > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: maximum size is %d bytes", maxConfigFileSize)
	}

	t, err := template.New("").Parse(string(bs))
	if err != nil {
		return nil, fmt.Errorf("error parsing template: %v", err)
	}

	var output bytes.Buffer
	err = t.Execute(&output, envVars)
	if err != nil {
		return nil, fmt.Errorf("error executing template: %v", err)
	}

	err = json.Unmarshal(output.Bytes(), &res)
	if err != nil {
		return nil, fmt.Errorf("failed parsing Json file after template was executed, err: %v", err)
	}

	return res, nil
}

// getEnvMap converts the output of os.Environ() to a map
func getEnvMap() map[string]string {
	envMap := make(map[string]string)

	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 && parts[0] != "" {
			envMap[parts[0]] = parts[1]
		}
	}

	return envMap
}
