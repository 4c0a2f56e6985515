package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/kalambet/quadsearch/internal/retrieval"
	"github.com/kalambet/quadsearch/internal/search"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type createRoomRequest struct {
	Title string `json:"title" validate:"max=200"`
}

type filtersRequest struct {
	People        *bool `json:"people"`
	Organisations *bool `json:"organisations"`
	Events        *bool `json:"events"`
}

// toFilters enables every class the request does not mention.
func (f *filtersRequest) toFilters() *retrieval.Filters {
	if f == nil {
		return nil
	}
	on := func(b *bool) bool { return b == nil || *b }
	return &retrieval.Filters{
		People:        on(f.People),
		Organisations: on(f.Organisations),
		Events:        on(f.Events),
	}
}

type createMessageRequest struct {
	RoomID  string          `json:"room_id" validate:"omitempty,uuid"`
	Query   string          `json:"query" validate:"required,min=1,max=2000"`
	Filters *filtersRequest `json:"filters"`
}

func (r createMessageRequest) toNewMessage() search.NewMessage {
	return search.NewMessage{RoomID: r.RoomID, Query: r.Query, Filters: r.Filters.toFilters()}
}

type indexDocumentRequest struct {
	Kind       string            `json:"kind" validate:"required,oneof=people organisations events"`
	EntityID   string            `json:"entity_id" validate:"required,max=200"`
	Title      string            `json:"title" validate:"max=300"`
	Content    string            `json:"content" validate:"required,max=100000"`
	URL        string            `json:"url" validate:"omitempty,url,max=2000"`
	Attributes map[string]string `json:"attributes" validate:"omitempty,max=32,dive,keys,min=1,max=64,endkeys,max=2000"`
	Overview   bool              `json:"overview"`
}

func (r indexDocumentRequest) toNewDocument() search.NewDocument {
	return search.NewDocument{
		Kind:       r.Kind,
		EntityID:   r.EntityID,
		Title:      r.Title,
		Content:    r.Content,
		URL:        r.URL,
		Attributes: r.Attributes,
		Overview:   r.Overview,
	}
}

// decodeAndValidate reads a JSON body into dst and validates it. Unknown
// fields are rejected. An empty body decodes as {} when allowEmpty is set.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			return fmt.Errorf("invalid request body: %w", err)
		}
	}
	if err := validate.Struct(dst); err != nil {
		return validationMessage(err)
	}
	return nil
}

func validationMessage(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := fe.Namespace()
		if i := strings.Index(field, "."); i >= 0 {
			field = field[i+1:]
		}
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, field+" is required")
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", field, fe.Param()))
		case "max", "min":
			msgs = append(msgs, fmt.Sprintf("%s violates %s=%s", field, fe.Tag(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is not a valid %s", field, fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
