// Package salesforce implements the connector contract over the Salesforce
// REST API with an OAuth client-credentials flow.
package salesforce

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

// APIVersion is the Salesforce REST API version the connector targets.
const APIVersion = "v59.0"

func init() {
	connectors.Register(connectors.Registration{
		Info: connectors.Info{
			Source:      models.SourceSalesforce,
			DisplayName: "Salesforce",
			Description: "Salesforce REST API via OAuth client credentials",
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

// Connector talks to one Salesforce org.
type Connector struct {
	client   *http.Client
	logger   *zap.Logger
	retryCfg *retry.Config
}

// httpClient returns an oauth2-wrapped client that injects and refreshes the
// access token. The token URL defaults to the org's own oauth2 endpoint but
// can be overridden via credentials (sandboxes, tests).
func (c *Connector) httpClient(ctx context.Context, conn *models.Connection) (*http.Client, error) {
	clientID, _ := conn.Credentials["client_id"].(string)
	clientSecret, _ := conn.Credentials["client_secret"].(string)
	if clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("salesforce credentials require client_id and client_secret")
	}

	tokenURL, _ := conn.Credentials["token_url"].(string)
	if tokenURL == "" {
		tokenURL = conn.InstanceURL + "/services/oauth2/token"
	}

	cfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
	}

	// Route token requests through our configured transport.
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.client)
	return cfg.Client(ctx), nil
}

func (c *Connector) get(ctx context.Context, conn *models.Connection, path string, out any) error {
	client, err := c.httpClient(ctx, conn)
	if err != nil {
		return err
	}

	return retry.Do(ctx, c.retryCfg, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, conn.InstanceURL+path, nil)
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("salesforce rejected the credentials (status 401)")
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("salesforce returned status %d for %s", resp.StatusCode, path)
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	})
}

// TestConnection authenticates and lists available API versions.
func (c *Connector) TestConnection(ctx context.Context, conn *models.Connection) *connectors.TestResult {
	var versions []struct {
		Version string `json:"version"`
		Label   string `json:"label"`
	}
	if err := c.get(ctx, conn, "/services/data/", &versions); err != nil {
		return &connectors.TestResult{Success: false, Message: logging.SanitizeError(err)}
	}
	if len(versions) == 0 {
		return &connectors.TestResult{Success: false, Message: "no API versions reported"}
	}

	latest := versions[len(versions)-1]
	return &connectors.TestResult{
		Success: true,
		Message: fmt.Sprintf("Connected to Salesforce (%s)", latest.Label),
		Version: latest.Version,
	}
}

type queryPage struct {
	TotalSize      int              `json:"totalSize"`
	Done           bool             `json:"done"`
	NextRecordsURL string           `json:"nextRecordsUrl"`
	Records        []map[string]any `json:"records"`
}

// FetchEntity runs a SOQL query over the mapped fields, following
// nextRecordsUrl pagination. Incremental fetches filter on SystemModstamp.
func (c *Connector) FetchEntity(ctx context.Context, conn *models.Connection, remoteModel string, opts connectors.FetchOptions) (*connectors.FetchResult, error) {
	fields := opts.Fields
	if len(fields) == 0 {
		fields = []string{"Id", "Name"}
	}
	if !contains(fields, "Id") {
		fields = append([]string{"Id"}, fields...)
	}

	soql := fmt.Sprintf("SELECT %s FROM %s", strings.Join(fields, ", "), remoteModel)
	if opts.Incremental && opts.Since != nil {
		soql += fmt.Sprintf(" WHERE SystemModstamp >= %s", opts.Since.UTC().Format("2006-01-02T15:04:05Z"))
	}
	soql += " ORDER BY Id"

	path := fmt.Sprintf("/services/data/%s/query?q=%s", APIVersion, url.QueryEscape(soql))

	var records []connectors.RawPayload
	total := 0
	for {
		var page queryPage
		if err := c.get(ctx, conn, path, &page); err != nil {
			return nil, fmt.Errorf("failed to query %s: %w", remoteModel, err)
		}

		total = page.TotalSize
		for _, rec := range page.Records {
			delete(rec, "attributes") // Salesforce envelope, not source data
			records = append(records, rec)
		}

		if page.Done || page.NextRecordsURL == "" {
			break
		}
		path = page.NextRecordsURL
	}

	c.logger.Debug("Fetched records from Salesforce",
		zap.String("object", remoteModel),
		zap.Int("count", len(records)))

	return &connectors.FetchResult{Records: records, Total: total}, nil
}

func contains(fields []string, name string) bool {
	for _, f := range fields {
		if strings.EqualFold(f, name) {
			return true
		}
	}
	return false
}
