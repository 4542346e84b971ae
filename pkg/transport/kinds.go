package transport

import "net/http"

// Kind is the method of a request together with its body. Only the kinds in
// this package implement it.
type Kind interface {
	method() string
	body() any
}

type Get struct{}

type Delete struct{}

type Post struct{ Body any }

type Put struct{ Body any }

type Patch struct{ Body any }

func (Get) method() string    { return http.MethodGet }
func (Delete) method() string { return http.MethodDelete }
func (Post) method() string   { return http.MethodPost }
func (Put) method() string    { return http.MethodPut }
func (Patch) method() string  { return http.MethodPatch }

func (Get) body() any     { return nil }
func (Delete) body() any  { return nil }
func (k Post) body() any  { return k.Body }
func (k Put) body() any   { return k.Body }
func (k Patch) body() any { return k.Body }
