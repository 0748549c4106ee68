package authapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Response is the raw answer of a resource call.
type Response struct {
	StatusCode int
	Body       json.RawMessage
}

// PageQuery selects one page of a paginated listing.
type PageQuery struct {
	Page   int
	Search string
	Params map[string]string
}

// Page is one page of a paginated listing.
type Page struct {
	Results      []json.RawMessage `json:"data"`
	TotalCount   int               `json:"totalCount"`
	NextPage     *string           `json:"nextPage"`
	PreviousPage *string           `json:"previousPage"`
}

// Get fetches a resource collection, or a single item when id is non-empty.
func (client *Client) Get(ctx context.Context, accessToken string, resource string, id string) (Response, error) {
	return client.resourceCall(ctx, http.MethodGet, accessToken, resource, id, nil)
}

// Post creates an item in a resource collection.
func (client *Client) Post(ctx context.Context, accessToken string, resource string, payload any) (Response, error) {
	return client.resourceCall(ctx, http.MethodPost, accessToken, resource, "", payload)
}

// Put replaces a resource item.
func (client *Client) Put(ctx context.Context, accessToken string, resource string, id string, payload any) (Response, error) {
	return client.resourceCall(ctx, http.MethodPut, accessToken, resource, id, payload)
}

// Patch updates a resource item, or the collection endpoint when id is empty.
func (client *Client) Patch(ctx context.Context, accessToken string, resource string, id string, payload any) (Response, error) {
	return client.resourceCall(ctx, http.MethodPatch, accessToken, resource, id, payload)
}

// Delete removes a resource item.
func (client *Client) Delete(ctx context.Context, accessToken string, resource string, id string) (Response, error) {
	return client.resourceCall(ctx, http.MethodDelete, accessToken, resource, id, nil)
}

// GetPaginated fetches one page of a listing. Page zero yields an empty page without a request.
func (client *Client) GetPaginated(ctx context.Context, accessToken string, resource string, query PageQuery) (Page, error) {
	if query.Page == 0 {
		return Page{Results: []json.RawMessage{}}, nil
	}
	base, err := client.resourceURL(resource, "")
	if err != nil {
		return Page{}, err
	}
	values := url.Values{}
	if query.Page > 1 {
		values.Set("page", strconv.Itoa(query.Page))
	}
	if search := strings.TrimSpace(query.Search); search != "" {
		values.Set("search", search)
	}
	for key, value := range query.Params {
		values.Add(key, value)
	}
	target := base
	if encoded := values.Encode(); encoded != "" {
		target = base + "?" + encoded
	}

	statusCode, body, callErr := client.do(ctx, http.MethodGet, target, accessToken, nil)
	if callErr != nil {
		return Page{}, &NetworkError{Operation: "resource." + resource, Err: callErr}
	}
	if statusCode < 200 || statusCode >= 300 {
		return Page{}, &StatusError{Resource: resource, StatusCode: statusCode, Message: extractMessage(body), Body: body}
	}
	var listing struct {
		Results  []json.RawMessage `json:"results"`
		Count    int               `json:"count"`
		Next     *string           `json:"next"`
		Previous *string           `json:"previous"`
	}
	if decodeErr := json.Unmarshal(body, &listing); decodeErr != nil {
		return Page{}, &NetworkError{Operation: "resource." + resource, StatusCode: statusCode, Err: decodeErr}
	}
	if listing.Results == nil {
		listing.Results = []json.RawMessage{}
	}
	return Page{
		Results:      listing.Results,
		TotalCount:   listing.Count,
		NextPage:     listing.Next,
		PreviousPage: listing.Previous,
	}, nil
}

func (client *Client) resourceCall(ctx context.Context, method string, accessToken string, resource string, id string, payload any) (Response, error) {
	target, err := client.resourceURL(resource, id)
	if err != nil {
		return Response{}, err
	}
	statusCode, body, callErr := client.do(ctx, method, target, accessToken, payload)
	if callErr != nil {
		return Response{}, &NetworkError{Operation: "resource." + resource, Err: callErr}
	}
	if statusCode < 200 || statusCode >= 300 {
		return Response{StatusCode: statusCode, Body: body}, &StatusError{Resource: resource, StatusCode: statusCode, Message: extractMessage(body), Body: body}
	}
	return Response{StatusCode: statusCode, Body: body}, nil
}

func (client *Client) resourceURL(resource string, id string) (string, error) {
	path, ok := client.endpoints.Resources[resource]
	if !ok {
		return "", fmt.Errorf("api.resource.%s: %w", resource, ErrUnknownResource)
	}
	target := client.host + path
	if trimmed := strings.Trim(strings.TrimSpace(id), "/"); trimmed != "" {
		target += url.PathEscape(trimmed) + "/"
	}
	return target, nil
}
