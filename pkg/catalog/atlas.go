package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/ekaya-inc/purview-connector/pkg/apperrors"
	"github.com/ekaya-inc/purview-connector/pkg/azureauth"
	"github.com/ekaya-inc/purview-connector/pkg/logging"
	"github.com/ekaya-inc/purview-connector/pkg/models"
)

// APIVersion is the Data Map API version sent with every request.
const APIVersion = "2023-09-01"

// moduleVersion is reported in the User-Agent by the azcore telemetry policy.
const moduleVersion = "v1.0.0"

const (
	bulkEntityPath = "/datamap/api/atlas/v2/entity/bulk"
	typedefPath    = "/datamap/api/atlas/v2/types/typedef/name/"
	maxErrorBody   = 512
)

// AtlasClient talks to the Microsoft Purview Data Map Atlas v2 API.
type AtlasClient struct {
	endpoint   string
	collection string
	pipeline   runtime.Pipeline
	logger     *zap.Logger
}

// NewAtlasClient creates a client for the account at endpoint, e.g.
// https://contoso.purview.azure.com. collection may be empty to use the root
// collection. opts may be nil; its retry settings are ignored because the
// ingestor owns retries.
func NewAtlasClient(endpoint, collection string, cred azcore.TokenCredential, opts *policy.ClientOptions, logger *zap.Logger) (*AtlasClient, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("catalog endpoint is required")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid catalog endpoint: %w", err)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("catalog endpoint must use https, got %q", endpoint)
	}
	if cred == nil {
		return nil, fmt.Errorf("catalog credential is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	clientOpts := policy.ClientOptions{}
	if opts != nil {
		clientOpts = *opts
	}
	clientOpts.Retry = policy.RetryOptions{MaxRetries: -1}

	auth := runtime.NewBearerTokenPolicy(tokenCredential{cred}, []string{azureauth.PurviewScope}, nil)
	pl := runtime.NewPipeline("purview-connector/catalog", moduleVersion, runtime.PipelineOptions{
		PerRetry: []policy.Policy{auth},
	}, &clientOpts)

	return &AtlasClient{
		endpoint:   strings.TrimRight(endpoint, "/"),
		collection: collection,
		pipeline:   pl,
		logger:     logger.Named("atlas"),
	}, nil
}

// tokenCredential reports token failures as rejected credentials so they can
// be told apart from transport failures once the pipeline returns.
type tokenCredential struct {
	azcore.TokenCredential
}

func (c tokenCredential) GetToken(ctx context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, err := c.TokenCredential.GetToken(ctx, opts)
	if err != nil && ctx.Err() == nil {
		return tok, apperrors.AuthenticationFailed("catalog token", err)
	}
	return tok, err
}

type atlasObjectID struct {
	TypeName         string            `json:"typeName"`
	UniqueAttributes map[string]string `json:"uniqueAttributes"`
}

type atlasClassification struct {
	TypeName string `json:"typeName"`
}

type atlasEntity struct {
	TypeName               string                `json:"typeName"`
	Attributes             map[string]any        `json:"attributes"`
	RelationshipAttributes map[string]any        `json:"relationshipAttributes,omitempty"`
	Classifications        []atlasClassification `json:"classifications,omitempty"`
}

type atlasBulkRequest struct {
	Entities []atlasEntity `json:"entities"`
}

type atlasHeader struct {
	GUID       string         `json:"guid"`
	TypeName   string         `json:"typeName"`
	Attributes map[string]any `json:"attributes"`
}

type atlasMutationResponse struct {
	MutatedEntities map[string][]atlasHeader `json:"mutatedEntities"`
	GUIDAssignments map[string]string        `json:"guidAssignments"`
}

// toAtlas converts an entity to its wire form. Relationship targets are sent
// by unique attribute so the catalog resolves them, even when they are created
// later in the same run.
func toAtlas(e models.Entity) atlasEntity {
	attrs := make(map[string]any, len(e.Attributes)+1)
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	attrs[models.AttrQualifiedName] = e.QualifiedName

	var rels map[string]any
	if len(e.Relationships) > 0 {
		grouped := make(map[string][]atlasObjectID)
		var order []string
		for _, ref := range e.Relationships {
			if _, ok := grouped[ref.Attribute]; !ok {
				order = append(order, ref.Attribute)
			}
			grouped[ref.Attribute] = append(grouped[ref.Attribute], atlasObjectID{
				TypeName:         string(ref.TypeName),
				UniqueAttributes: map[string]string{models.AttrQualifiedName: ref.QualifiedName},
			})
		}
		rels = make(map[string]any, len(grouped))
		for _, attr := range order {
			if ids := grouped[attr]; len(ids) == 1 {
				rels[attr] = ids[0]
			} else {
				rels[attr] = ids
			}
		}
	}

	var classifications []atlasClassification
	for _, c := range e.Classifications {
		classifications = append(classifications, atlasClassification{TypeName: c.TypeName})
	}

	return atlasEntity{
		TypeName:               string(e.TypeName),
		Attributes:             attrs,
		RelationshipAttributes: rels,
		Classifications:        classifications,
	}
}

// BulkUpsert creates or updates entities in one request.
func (c *AtlasClient) BulkUpsert(ctx context.Context, entities []models.Entity) ([]EntityResult, error) {
	if len(entities) == 0 {
		return nil, nil
	}

	payload := atlasBulkRequest{Entities: make([]atlasEntity, 0, len(entities))}
	for _, e := range entities {
		payload.Entities = append(payload.Entities, toAtlas(e))
	}

	query := url.Values{}
	query.Set("api-version", APIVersion)
	if c.collection != "" {
		query.Set("collectionId", c.collection)
	}

	respBody, err := c.do(ctx, http.MethodPost, bulkEntityPath, query, payload, "bulk upsert")
	if err != nil {
		return nil, err
	}

	var resp atlasMutationResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, apperrors.TransientIngestion("bulk upsert", http.StatusOK, fmt.Errorf("decode response: %w", err))
	}

	created := make(map[string]string)
	for _, h := range resp.MutatedEntities["CREATE"] {
		if qn, ok := h.Attributes[models.AttrQualifiedName].(string); ok {
			created[h.TypeName+"|"+qn] = h.GUID
		}
	}
	updated := make(map[string]string)
	for _, op := range []string{"UPDATE", "PARTIAL_UPDATE"} {
		for _, h := range resp.MutatedEntities[op] {
			if qn, ok := h.Attributes[models.AttrQualifiedName].(string); ok {
				updated[h.TypeName+"|"+qn] = h.GUID
			}
		}
	}

	results := make([]EntityResult, 0, len(entities))
	for _, e := range entities {
		r := EntityResult{QualifiedName: e.QualifiedName, TypeName: e.TypeName}
		if guid, ok := created[e.Key()]; ok {
			r.Outcome = models.OutcomeCreated
			r.GUID = guid
		} else {
			// Entities missing from both lists already existed unchanged.
			r.Outcome = models.OutcomeUpdated
			r.GUID = updated[e.Key()]
		}
		results = append(results, r)
	}

	c.logger.Debug("Bulk upsert completed",
		zap.Int("entities", len(entities)),
		zap.Int("created", len(created)),
		zap.Int("updated", len(updated)))
	return results, nil
}

// TypeExists reports whether a type definition with the given name exists.
func (c *AtlasClient) TypeExists(ctx context.Context, typeName string) (bool, error) {
	query := url.Values{}
	query.Set("api-version", APIVersion)

	_, err := c.do(ctx, http.MethodGet, typedefPath+url.PathEscape(typeName), query, nil, "typedef "+typeName)
	if err == nil {
		return true, nil
	}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) && appErr.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, err
}

// do sends one request through the pipeline and returns the body of a 2xx
// response. body is encoded as JSON when non-nil.
func (c *AtlasClient) do(ctx context.Context, method, path string, query url.Values, body any, what string) ([]byte, error) {
	req, err := runtime.NewRequest(ctx, method, c.endpoint+path)
	if err != nil {
		return nil, apperrors.PermanentIngestion(what, 0, fmt.Errorf("create request: %w", err))
	}
	req.Raw().URL.RawQuery = query.Encode()
	req.Raw().Header.Set("Accept", "application/json")
	if body != nil {
		if err := runtime.MarshalAsJSON(req, body); err != nil {
			return nil, apperrors.PermanentIngestion(what, 0, fmt.Errorf("encode request: %w", err))
		}
	}

	resp, err := c.pipeline.Do(req)
	if err != nil {
		var appErr *apperrors.Error
		switch {
		case errors.As(err, &appErr):
			return nil, appErr
		case errors.Is(err, context.Canceled):
			return nil, err
		}
		// Network failures and request timeouts are worth another attempt.
		return nil, apperrors.TransientIngestion(what, 0, errors.New(logging.SanitizeError(err)))
	}

	respBody, err := runtime.Payload(resp)
	if err != nil {
		return nil, apperrors.TransientIngestion(what, resp.StatusCode, fmt.Errorf("read response: %w", err))
	}

	if runtime.HasStatusCode(resp, http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusNoContent) {
		return respBody, nil
	}

	if resp.StatusCode != http.StatusNotFound {
		c.logger.Warn("Catalog returned error",
			zap.String("operation", what),
			zap.Int("status", resp.StatusCode),
			zap.String("body", logging.TruncateString(string(respBody), maxErrorBody)))
	}
	return nil, ClassifyStatus(what, resp.StatusCode, respBody)
}

// ClassifyStatus maps a non-2xx catalog response to the error taxonomy:
// 401/403 reject the credential, 408/429/5xx are transient, any other status
// is a permanent rejection.
func ClassifyStatus(what string, status int, body []byte) error {
	cause := errors.New(errorMessage(status, body))
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		err := apperrors.AuthenticationFailed(what, cause)
		err.StatusCode = status
		return err
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return apperrors.TransientIngestion(what, status, cause)
	default:
		return apperrors.PermanentIngestion(what, status, cause)
	}
}

// errorMessage extracts the catalog's message from either the Atlas or the
// Azure error envelope.
func errorMessage(status int, body []byte) string {
	if gjson.ValidBytes(body) {
		for _, path := range []string{"errorMessage", "error.message", "message"} {
			if msg := gjson.GetBytes(body, path); msg.Exists() && msg.String() != "" {
				if code := gjson.GetBytes(body, "errorCode"); code.Exists() {
					return code.String() + ": " + msg.String()
				}
				return msg.String()
			}
		}
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return logging.TruncateString(text, maxErrorBody)
	}
	return http.StatusText(status)
}
