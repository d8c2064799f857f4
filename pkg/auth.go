package pkg

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"

	"flowcron/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
)

// Headers used on internal service-to-service calls
const (
	HeaderServiceKey = "X-FC-Service-Key"
	HeaderInternal   = "X-FC-Internal"
	HeaderSignature  = "X-FC-Signature"
)

const (
	// Default user for basic HTTP authentication
	keyAuthDefaultHTTPBasicUser = "fc"

	// Default url query key to check for a service key
	keyAuthServiceKeyQuery = "__fcServiceKey"
)

// @formatter:off
/// [auth-docs]

type ServiceAuthConfig struct {
	// Service keys accepted on internal endpoints.
	// Each key can also be loaded from the environment variables, by
	// using the syntax `ENV{ENV_VAR_NAME}`, e.g.
	//
	// keys:
	// 	 - ENV{FC_SERVICE_KEY}
	//
	Keys []*utils.StringFromEnvVar `mapstructure:"keys" validate:"required"`

	// If true, allows basic HTTP authentication
	BasicAuth bool `mapstructure:"basicAuth"`

	// The basic auth HTTP username.
	// Defaults to `fc` if none is provided
	BasicAuthUser string `mapstructure:"basicAuthUser"`

	// If true, url query authentication will be allowed
	QueryAuth bool `mapstructure:"queryAuth"`

	// The key to check for in the url query.
	// Defaults to `__fcServiceKey` if none is provided
	QueryAuthKey string `mapstructure:"queryAuthKey"`

	// If true, the X-FC-Signature header will be accepted, carrying the
	// hex HMAC-SHA256 of the request body computed with a service key
	SignatureAuth bool `mapstructure:"signatureAuth"`
}

/// [auth-docs]
// @formatter:on

func verifyServiceAuth(c *gin.Context, auth *ServiceAuthConfig) error {
	if auth == nil || len(auth.Keys) == 0 {
		return nil
	}

	// Auth check
	found := false

	// Cache the body data, if needed
	var bodyData []byte

	// Service key header
	{
		headerValue := c.GetHeader(HeaderServiceKey)
		if headerValue != "" {
			for _, key := range auth.Keys {
				// Unset keys never match
				if key.Value() == "" {
					continue
				}
				if headerValue == key.Value() {
					found = true
					goto afterAuth
				}
			}
		}
	}

	// Basic HTTP authentication
	if auth.BasicAuth {
		authUser := auth.BasicAuthUser
		if authUser == "" {
			authUser = keyAuthDefaultHTTPBasicUser
		}
		if username, password, ok := c.Request.BasicAuth(); ok {
			if username == authUser {
				for _, key := range auth.Keys {
					if key.Value() == "" {
						continue
					}
					if password == key.Value() {
						found = true
						goto afterAuth
					}
				}
			}
		}
	}

	// Url query authentication
	if auth.QueryAuth {
		queryKey := auth.QueryAuthKey
		if queryKey == "" {
			queryKey = keyAuthServiceKeyQuery
		}
		keyQuery := c.Query(queryKey)
		if keyQuery != "" {
			for _, key := range auth.Keys {
				if key.Value() == "" {
					continue
				}
				if keyQuery == key.Value() {
					found = true
					goto afterAuth
				}
			}
		}
	}

	// Body signature authentication
	if auth.SignatureAuth {
		headerValue := c.GetHeader(HeaderSignature)
		if headerValue != "" {
			if bodyData == nil {
				data, err := c.GetRawData()
				if err != nil {
					return errors.WithMessage(err, "failed to read body data")
				}
				bodyData = data
				// Put the data back for later usage
				c.Request.Body = io.NopCloser(bytes.NewReader(data))
			}

			for _, key := range auth.Keys {
				if key.Value() == "" {
					continue
				}
				if headerValue == authHMACSHA256(bodyData, key.Value()) {
					found = true
					goto afterAuth
				}
			}
		}
	}

afterAuth:

	if !found {
		return errors.New("bad auth")
	}

	return nil
}

// GetServiceAuthMiddleware rejects requests that carry no valid service key.
func GetServiceAuthMiddleware(config *Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := verifyServiceAuth(c, &config.Service); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// PrimaryServiceKey returns the first usable service key, for outbound
// calls to sibling services.
func (config *Config) PrimaryServiceKey() string {
	for _, key := range config.Service.Keys {
		if key.Value() != "" {
			return key.Value()
		}
	}
	return ""
}

func authHMACSHA256(data []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(data)
	sha := hex.EncodeToString(h.Sum(nil))
	return sha
}
