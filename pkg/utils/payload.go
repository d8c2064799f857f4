package utils

import (
	"encoding/json"
	"io"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-yaml"
	"github.com/pkg/errors"
)

const bodyMaxSize = 1 * 1024 * 1024

// BindBody decodes the request body into out, accepting both JSON and
// YAML payloads. JSON is assumed when no content type is provided.
func BindBody(c *gin.Context, out interface{}) error {
	if c.Request.ContentLength == 0 {
		return errors.New("empty request body")
	}

	payloadBytes, err := io.ReadAll(io.LimitReader(c.Request.Body, bodyMaxSize))
	if err != nil {
		return errors.WithMessage(err, "failed to read request body")
	}
	defer c.Request.Body.Close()

	contentType := c.ContentType()

	if contentType == gin.MIMEJSON || contentType == gin.MIMEPlain || contentType == "" {
		if err := json.Unmarshal(payloadBytes, out); err != nil {
			return errors.WithMessage(err, "could not bind json body")
		}
		return nil
	}

	if isYAMLContentType(contentType) {
		// Route through JSON so both content types resolve the same field names
		jsonBytes, err := yaml.YAMLToJSON(payloadBytes)
		if err != nil {
			return errors.WithMessage(err, "could not bind yaml body")
		}
		if err := json.Unmarshal(jsonBytes, out); err != nil {
			return errors.WithMessage(err, "could not bind yaml body")
		}
		return nil
	}

	return errors.Errorf("invalid content type provided: %s", contentType)
}

func isYAMLContentType(contentType string) bool {
	return StringSliceContains([]string{
		"application/x-yaml",
		"application/yaml",
		"text/yaml",
		"text/x-yaml",
	}, contentType)
}
