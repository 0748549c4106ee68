package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/chandlo/internal/authapi"
	"github.com/tyemirov/chandlo/internal/session"
	"go.uber.org/zap"
)

const maxForwardBodyBytes = 1 << 20

// ResourceClient performs authenticated calls against the backend's named resources.
type ResourceClient interface {
	Get(ctx context.Context, accessToken string, resource string, id string) (authapi.Response, error)
	Post(ctx context.Context, accessToken string, resource string, payload any) (authapi.Response, error)
	Put(ctx context.Context, accessToken string, resource string, id string, payload any) (authapi.Response, error)
	Patch(ctx context.Context, accessToken string, resource string, id string, payload any) (authapi.Response, error)
	Delete(ctx context.Context, accessToken string, resource string, id string) (authapi.Response, error)
	GetPaginated(ctx context.Context, accessToken string, resource string, query authapi.PageQuery) (authapi.Page, error)
}

type forwardResult struct {
	response authapi.Response
	page     *authapi.Page
}

type forwardCall func(ctx context.Context, accessToken string) (forwardResult, error)

func (handler *handlers) forward(contextGin *gin.Context) {
	resource := contextGin.Param("resource")
	id := contextGin.Param("id")

	call, buildErr := handler.buildCall(contextGin, resource, id)
	if buildErr != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": buildErr.Error()})
		return
	}

	ctx := contextGin.Request.Context()
	result, callErr := call(ctx, handler.sessions.AccessToken())
	if isUnauthorized(callErr) {
		accessToken, renewed := handler.renewAfterUnauthorized(ctx, resource)
		if !renewed {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "web.session_expired",
				"state": handler.sessions.State().String(),
			})
			return
		}
		result, callErr = call(ctx, accessToken)
	}
	handler.writeResult(contextGin, resource, result, callErr)
}

// renewAfterUnauthorized refreshes once after a 401. A failed refresh ends the session.
func (handler *handlers) renewAfterUnauthorized(ctx context.Context, resource string) (string, bool) {
	refreshErr := handler.sessions.Refresh(ctx, "")
	if refreshErr != nil && !errors.Is(refreshErr, session.ErrStaleResult) {
		handler.logger.Info("refresh after unauthorized resource call failed",
			zap.String("code", "web.forward.refresh_failed"),
			zap.String("resource", resource),
			zap.Error(refreshErr))
		handler.sessions.ExpireSession(ctx)
		return "", false
	}
	accessToken := handler.sessions.AccessToken()
	return accessToken, accessToken != ""
}

func (handler *handlers) buildCall(contextGin *gin.Context, resource string, id string) (forwardCall, error) {
	method := contextGin.Request.Method
	var payload json.RawMessage
	if method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
		body, readErr := io.ReadAll(io.LimitReader(contextGin.Request.Body, maxForwardBodyBytes))
		if readErr != nil {
			return nil, errors.New("web.forward.unreadable_body")
		}
		if len(body) == 0 {
			body = []byte("{}")
		}
		if !json.Valid(body) {
			return nil, errors.New("web.invalid_json")
		}
		payload = body
	}

	switch method {
	case http.MethodGet:
		if id == "" && contextGin.Query("page") != "" {
			query, queryErr := pageQuery(contextGin)
			if queryErr != nil {
				return nil, queryErr
			}
			return func(ctx context.Context, accessToken string) (forwardResult, error) {
				page, err := handler.resources.GetPaginated(ctx, accessToken, resource, query)
				return forwardResult{page: &page}, err
			}, nil
		}
		return func(ctx context.Context, accessToken string) (forwardResult, error) {
			response, err := handler.resources.Get(ctx, accessToken, resource, id)
			return forwardResult{response: response}, err
		}, nil
	case http.MethodPost:
		return func(ctx context.Context, accessToken string) (forwardResult, error) {
			response, err := handler.resources.Post(ctx, accessToken, resource, payload)
			return forwardResult{response: response}, err
		}, nil
	case http.MethodPut:
		if id == "" {
			return nil, errors.New("web.forward.missing_id")
		}
		return func(ctx context.Context, accessToken string) (forwardResult, error) {
			response, err := handler.resources.Put(ctx, accessToken, resource, id, payload)
			return forwardResult{response: response}, err
		}, nil
	case http.MethodPatch:
		return func(ctx context.Context, accessToken string) (forwardResult, error) {
			response, err := handler.resources.Patch(ctx, accessToken, resource, id, payload)
			return forwardResult{response: response}, err
		}, nil
	case http.MethodDelete:
		if id == "" {
			return nil, errors.New("web.forward.missing_id")
		}
		return func(ctx context.Context, accessToken string) (forwardResult, error) {
			response, err := handler.resources.Delete(ctx, accessToken, resource, id)
			return forwardResult{response: response}, err
		}, nil
	default:
		return nil, errors.New("web.forward.unsupported_method")
	}
}

func pageQuery(contextGin *gin.Context) (authapi.PageQuery, error) {
	page, parseErr := strconv.Atoi(contextGin.Query("page"))
	if parseErr != nil || page < 0 {
		return authapi.PageQuery{}, errors.New("web.forward.invalid_page")
	}
	query := authapi.PageQuery{Page: page, Search: contextGin.Query("search"), Params: map[string]string{}}
	for key, values := range contextGin.Request.URL.Query() {
		if key == "page" || key == "search" || len(values) == 0 {
			continue
		}
		query.Params[key] = values[0]
	}
	return query, nil
}

func isUnauthorized(err error) bool {
	var statusError *authapi.StatusError
	return errors.As(err, &statusError) && statusError.StatusCode == http.StatusUnauthorized
}

func (handler *handlers) writeResult(contextGin *gin.Context, resource string, result forwardResult, callErr error) {
	if callErr == nil {
		if result.page != nil {
			contextGin.JSON(http.StatusOK, result.page)
			return
		}
		writeRaw(contextGin, result.response.StatusCode, result.response.Body)
		return
	}

	var statusError *authapi.StatusError
	var networkError *authapi.NetworkError
	switch {
	case errors.Is(callErr, authapi.ErrUnknownResource):
		contextGin.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "web.forward.unknown_resource"})
	case errors.As(callErr, &statusError):
		if statusError.StatusCode == http.StatusUnauthorized {
			handler.sessions.ExpireSession(contextGin.Request.Context())
		}
		writeRaw(contextGin, statusError.StatusCode, statusError.Body)
	case errors.As(callErr, &networkError):
		handler.logger.Warn("resource call failed",
			zap.String("code", "web.forward.network_error"),
			zap.String("resource", resource),
			zap.Error(callErr))
		contextGin.AbortWithStatusJSON(http.StatusBadGateway, gin.H{
			"error":   "web.forward.backend_unavailable",
			"message": authapi.ServerMessage(callErr, "Backend unavailable."),
		})
	default:
		contextGin.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "web.forward.failed"})
	}
}

func writeRaw(contextGin *gin.Context, statusCode int, body []byte) {
	if statusCode == 0 {
		statusCode = http.StatusOK
	}
	if len(body) == 0 || statusCode == http.StatusNoContent {
		contextGin.Status(statusCode)
		return
	}
	contextGin.Data(statusCode, "application/json", body)
}
