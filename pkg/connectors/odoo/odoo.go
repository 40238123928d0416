// Package odoo implements the connector contract over Odoo's JSON-RPC API.
package odoo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/revlake/revlake-engine/pkg/connectors"
	"github.com/revlake/revlake-engine/pkg/logging"
	"github.com/revlake/revlake-engine/pkg/models"
	"github.com/revlake/revlake-engine/pkg/retry"
)

func init() {
	connectors.Register(connectors.Registration{
		Info: connectors.Info{
			Source:      models.SourceOdoo,
			DisplayName: "Odoo",
			Description: "Odoo 14+ via JSON-RPC",
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

// Connector talks to one Odoo instance over /jsonrpc.
type Connector struct {
	client   *http.Client
	logger   *zap.Logger
	retryCfg *retry.Config
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      int       `json:"id"`
}

type rpcParams struct {
	Service string `json:"service"`
	Method  string `json:"method"`
	Args    []any  `json:"args"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Message string `json:"message"`
	Data    struct {
		Message string `json:"message"`
	} `json:"data"`
}

func (e *rpcError) String() string {
	if e.Data.Message != "" {
		return e.Data.Message
	}
	return e.Message
}

// call performs one JSON-RPC request with transport retry.
func (c *Connector) call(ctx context.Context, instanceURL, service, method string, args []any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		Params:  rpcParams{Service: service, Method: method, Args: args},
		ID:      1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rpc request: %w", err)
	}

	return retry.DoWithResult(ctx, c.retryCfg, func() (json.RawMessage, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, instanceURL+"/jsonrpc", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to build rpc request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("rpc call failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("rpc call returned status %d", resp.StatusCode)
		}

		var rpcResp rpcResponse
		if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
			return nil, fmt.Errorf("failed to decode rpc response: %w", err)
		}
		if rpcResp.Error != nil {
			return nil, fmt.Errorf("odoo error: %s", rpcResp.Error.String())
		}
		return rpcResp.Result, nil
	})
}

// authenticate resolves the numeric uid execute_kw calls require.
func (c *Connector) authenticate(ctx context.Context, conn *models.Connection) (int, string, string, error) {
	db, _ := conn.Credentials["database"].(string)
	username, _ := conn.Credentials["username"].(string)
	secret, _ := conn.Credentials["api_key"].(string)
	if secret == "" {
		secret, _ = conn.Credentials["password"].(string)
	}
	if db == "" || username == "" || secret == "" {
		return 0, "", "", fmt.Errorf("odoo credentials require database, username and api_key")
	}

	result, err := c.call(ctx, conn.InstanceURL, "common", "authenticate",
		[]any{db, username, secret, map[string]any{}})
	if err != nil {
		return 0, "", "", err
	}

	var uid int
	if err := json.Unmarshal(result, &uid); err != nil || uid <= 0 {
		return 0, "", "", fmt.Errorf("authentication rejected for user %s on database %s", username, db)
	}
	return uid, db, secret, nil
}

// TestConnection verifies reachability and credentials, returning the server
// version on success.
func (c *Connector) TestConnection(ctx context.Context, conn *models.Connection) *connectors.TestResult {
	result, err := c.call(ctx, conn.InstanceURL, "common", "version", []any{})
	if err != nil {
		return &connectors.TestResult{Success: false, Message: logging.SanitizeError(err)}
	}

	var version struct {
		ServerVersion string `json:"server_version"`
	}
	if err := json.Unmarshal(result, &version); err != nil {
		return &connectors.TestResult{Success: false, Message: "unexpected version response"}
	}

	if _, _, _, err := c.authenticate(ctx, conn); err != nil {
		return &connectors.TestResult{Success: false, Message: logging.SanitizeError(err)}
	}

	return &connectors.TestResult{
		Success: true,
		Message: fmt.Sprintf("Connected to Odoo %s", version.ServerVersion),
		Version: version.ServerVersion,
	}
}

// FetchEntity pulls records for one model via search_read, paging by offset.
// Incremental fetches filter on write_date.
func (c *Connector) FetchEntity(ctx context.Context, conn *models.Connection, remoteModel string, opts connectors.FetchOptions) (*connectors.FetchResult, error) {
	uid, db, secret, err := c.authenticate(ctx, conn)
	if err != nil {
		return nil, err
	}

	domain := []any{}
	if opts.Incremental && opts.Since != nil {
		domain = append(domain, []any{"write_date", ">=", opts.Since.UTC().Format("2006-01-02 15:04:05")})
	}

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = 200
	}

	kwargs := map[string]any{
		"limit": pageSize,
		"order": "id asc",
	}
	if len(opts.Fields) > 0 {
		kwargs["fields"] = opts.Fields
	}

	var records []connectors.RawPayload
	for offset := 0; ; offset += pageSize {
		kwargs["offset"] = offset

		result, err := c.call(ctx, conn.InstanceURL, "object", "execute_kw",
			[]any{db, uid, secret, remoteModel, "search_read", []any{domain}, kwargs})
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s: %w", remoteModel, err)
		}

		var page []connectors.RawPayload
		if err := json.Unmarshal(result, &page); err != nil {
			return nil, fmt.Errorf("unexpected search_read response for %s: %w", remoteModel, err)
		}

		records = append(records, page...)
		if len(page) < pageSize {
			break
		}
	}

	c.logger.Debug("Fetched records from Odoo",
		zap.String("model", remoteModel),
		zap.Int("count", len(records)))

	return &connectors.FetchResult{Records: records, Total: len(records)}, nil
}
