// Package ms365 implements the connector contract over the Microsoft Graph
// API with an OAuth client-credentials flow.
package ms365

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/revlake/revlake-engine/pkg/connectors"
	"github.com/revlake/revlake-engine/pkg/logging"
	"github.com/revlake/revlake-engine/pkg/models"
	"github.com/revlake/revlake-engine/pkg/retry"
)

// DefaultBaseURL is the Graph endpoint used when no instance URL override is
// configured (national clouds and tests override it).
const DefaultBaseURL = "https://graph.microsoft.com"

func init() {
	connectors.Register(connectors.Registration{
		Info: connectors.Info{
			Source:      models.SourceMS365,
			DisplayName: "Microsoft 365",
			Description: "Microsoft Graph v1.0 via client credentials",
		},
		Factory: func(opts connectors.Options) connectors.Connector {
			return &Connector{
				client:   opts.Client(),
				logger:   opts.Log(),
				retryCfg: opts.Retry,
			}
		},
	})
}

// Connector talks to Microsoft Graph for one tenant.
type Connector struct {
	client   *http.Client
	logger   *zap.Logger
	retryCfg *retry.Config
}

func (c *Connector) baseURL(conn *models.Connection) string {
	if conn.InstanceURL != "" {
		return conn.InstanceURL
	}
	return DefaultBaseURL
}

func (c *Connector) httpClient(ctx context.Context, conn *models.Connection) (*http.Client, error) {
	tenantID, _ := conn.Credentials["tenant_id"].(string)
	clientID, _ := conn.Credentials["client_id"].(string)
	clientSecret, _ := conn.Credentials["client_secret"].(string)
	if tenantID == "" || clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("ms365 credentials require tenant_id, client_id and client_secret")
	}

	tokenURL, _ := conn.Credentials["token_url"].(string)
	if tokenURL == "" {
		tokenURL = fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", tenantID)
	}

	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{c.baseURL(conn) + "/.default"},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.client)
	return cfg.Client(ctx), nil
}

// getURL performs one authenticated GET against an absolute URL.
// Graph pagination hands back absolute @odata.nextLink URLs.
func (c *Connector) getURL(ctx context.Context, client *http.Client, fullURL string, out any) error {
	return retry.Do(ctx, c.retryCfg, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return fmt.Errorf("graph rejected the credentials (status %d)", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("graph returned status %d", resp.StatusCode)
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	})
}

// TestConnection authenticates and reads the tenant organization profile.
func (c *Connector) TestConnection(ctx context.Context, conn *models.Connection) *connectors.TestResult {
	client, err := c.httpClient(ctx, conn)
	if err != nil {
		return &connectors.TestResult{Success: false, Message: logging.SanitizeError(err)}
	}

	var org struct {
		Value []struct {
			DisplayName string `json:"displayName"`
		} `json:"value"`
	}
	if err := c.getURL(ctx, client, c.baseURL(conn)+"/v1.0/organization", &org); err != nil {
		return &connectors.TestResult{Success: false, Message: logging.SanitizeError(err)}
	}

	name := "tenant"
	if len(org.Value) > 0 && org.Value[0].DisplayName != "" {
		name = org.Value[0].DisplayName
	}
	return &connectors.TestResult{
		Success: true,
		Message: fmt.Sprintf("Connected to Microsoft 365 (%s)", name),
		Version: "graph-v1.0",
	}
}

type graphPage struct {
	Value    []map[string]any `json:"value"`
	NextLink string           `json:"@odata.nextLink"`
}

// FetchEntity pulls one Graph collection (contacts, events, users, ...)
// following @odata.nextLink pagination. Incremental fetches filter on
// lastModifiedDateTime.
func (c *Connector) FetchEntity(ctx context.Context, conn *models.Connection, remoteModel string, opts connectors.FetchOptions) (*connectors.FetchResult, error) {
	client, err := c.httpClient(ctx, conn)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	if opts.PageSize > 0 {
		query.Set("$top", fmt.Sprint(opts.PageSize))
	}
	if len(opts.Fields) > 0 {
		query.Set("$select", strings.Join(opts.Fields, ","))
	}
	if opts.Incremental && opts.Since != nil {
		query.Set("$filter", fmt.Sprintf("lastModifiedDateTime ge %s", opts.Since.UTC().Format("2006-01-02T15:04:05Z")))
	}

	next := c.baseURL(conn) + "/v1.0/" + strings.TrimPrefix(remoteModel, "/")
	if encoded := query.Encode(); encoded != "" {
		next += "?" + encoded
	}

	var records []connectors.RawPayload
	for next != "" {
		var page graphPage
		if err := c.getURL(ctx, client, next, &page); err != nil {
			return nil, fmt.Errorf("failed to fetch %s: %w", remoteModel, err)
		}

		for _, rec := range page.Value {
			records = append(records, rec)
		}
		next = page.NextLink
	}

	c.logger.Debug("Fetched records from Microsoft Graph",
		zap.String("resource", remoteModel),
		zap.Int("count", len(records)))

	return &connectors.FetchResult{Records: records, Total: len(records)}, nil
}
