// Package hubspot implements the connector contract over the HubSpot CRM v3
// API using a private-app access token.
package hubspot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/revlake/revlake-engine/pkg/connectors"
	"github.com/revlake/revlake-engine/pkg/logging"
	"github.com/revlake/revlake-engine/pkg/models"
	"github.com/revlake/revlake-engine/pkg/retry"
)

// DefaultBaseURL is used when no instance URL override is configured.
const DefaultBaseURL = "https://api.hubapi.com"

func init() {
	connectors.Register(connectors.Registration{
		Info: connectors.Info{
			Source:      models.SourceHubSpot,
			DisplayName: "HubSpot",
			Description: "HubSpot CRM v3 via private-app token",
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

// Connector talks to the HubSpot CRM v3 objects API.
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

func token(conn *models.Connection) (string, error) {
	tok, _ := conn.Credentials["api_key"].(string)
	if tok == "" {
		tok, _ = conn.Credentials["access_token"].(string)
	}
	if tok == "" {
		return "", fmt.Errorf("hubspot credentials require api_key")
	}
	return tok, nil
}

// doJSON performs one authenticated request with transport retry and decodes
// the response body into out.
func (c *Connector) doJSON(ctx context.Context, conn *models.Connection, method, path string, body any, out any) error {
	tok, err := token(conn)
	if err != nil {
		return err
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	_, err = retry.DoWithResult(ctx, c.retryCfg, func() (struct{}, error) {
		var reader *bytes.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		} else {
			reader = bytes.NewReader(nil)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL(conn)+path, reader)
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to build request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return struct{}{}, fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return struct{}{}, fmt.Errorf("hubspot rejected the access token (status %d)", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return struct{}{}, fmt.Errorf("hubspot returned status %d for %s", resp.StatusCode, path)
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return struct{}{}, fmt.Errorf("failed to decode response: %w", err)
			}
		}
		return struct{}{}, nil
	})
	return err
}

// TestConnection verifies the private-app token against the account-info API.
func (c *Connector) TestConnection(ctx context.Context, conn *models.Connection) *connectors.TestResult {
	var info struct {
		PortalID int    `json:"portalId"`
		UIDomain string `json:"uiDomain"`
	}
	if err := c.doJSON(ctx, conn, http.MethodGet, "/account-info/v3/details", nil, &info); err != nil {
		return &connectors.TestResult{Success: false, Message: logging.SanitizeError(err)}
	}

	return &connectors.TestResult{
		Success: true,
		Message: fmt.Sprintf("Connected to HubSpot portal %d", info.PortalID),
		Version: "crm-v3",
	}
}

type objectPage struct {
	Results []struct {
		ID         string         `json:"id"`
		Properties map[string]any `json:"properties"`
	} `json:"results"`
	Total  int `json:"total"`
	Paging struct {
		Next struct {
			After string `json:"after"`
		} `json:"next"`
	} `json:"paging"`
}

func flatten(page *objectPage, records []connectors.RawPayload) []connectors.RawPayload {
	for _, obj := range page.Results {
		payload := make(connectors.RawPayload, len(obj.Properties)+1)
		for k, v := range obj.Properties {
			payload[k] = v
		}
		payload["id"] = obj.ID
		records = append(records, payload)
	}
	return records
}

// FetchEntity pulls CRM objects (deals, companies, contacts, ...).
// Full fetches walk the list endpoint with after-cursor paging; incremental
// fetches use the search API filtered on hs_lastmodifieddate.
func (c *Connector) FetchEntity(ctx context.Context, conn *models.Connection, remoteModel string, opts connectors.FetchOptions) (*connectors.FetchResult, error) {
	pageSize := opts.PageSize
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 100 // HubSpot caps list pages at 100
	}

	if opts.Incremental && opts.Since != nil {
		return c.search(ctx, conn, remoteModel, pageSize, opts)
	}

	var records []connectors.RawPayload
	after := ""
	for {
		query := url.Values{}
		query.Set("limit", fmt.Sprint(pageSize))
		if len(opts.Fields) > 0 {
			query.Set("properties", strings.Join(opts.Fields, ","))
		}
		if after != "" {
			query.Set("after", after)
		}

		var page objectPage
		path := fmt.Sprintf("/crm/v3/objects/%s?%s", remoteModel, query.Encode())
		if err := c.doJSON(ctx, conn, http.MethodGet, path, nil, &page); err != nil {
			return nil, fmt.Errorf("failed to fetch %s: %w", remoteModel, err)
		}

		records = flatten(&page, records)
		after = page.Paging.Next.After
		if after == "" {
			break
		}
	}

	c.logger.Debug("Fetched records from HubSpot",
		zap.String("object", remoteModel),
		zap.Int("count", len(records)))

	return &connectors.FetchResult{Records: records, Total: len(records)}, nil
}

func (c *Connector) search(ctx context.Context, conn *models.Connection, remoteModel string, pageSize int, opts connectors.FetchOptions) (*connectors.FetchResult, error) {
	body := map[string]any{
		"limit": pageSize,
		"filterGroups": []any{map[string]any{
			"filters": []any{map[string]any{
				"propertyName": "hs_lastmodifieddate",
				"operator":     "GTE",
				"value":        fmt.Sprint(opts.Since.UTC().UnixMilli()),
			}},
		}},
	}
	if len(opts.Fields) > 0 {
		body["properties"] = opts.Fields
	}

	var records []connectors.RawPayload
	after := ""
	for {
		if after != "" {
			body["after"] = after
		}

		var page objectPage
		path := fmt.Sprintf("/crm/v3/objects/%s/search", remoteModel)
		if err := c.doJSON(ctx, conn, http.MethodPost, path, body, &page); err != nil {
			return nil, fmt.Errorf("failed to search %s: %w", remoteModel, err)
		}

		records = flatten(&page, records)
		after = page.Paging.Next.After
		if after == "" {
			break
		}
	}

	return &connectors.FetchResult{Records: records, Total: len(records)}, nil
}
