/*
Package transport sends authenticated requests on behalf of a session.

Every request carries the JSON base headers, the bearer token of the current
session, and the anti-forgery token when one can be obtained. Responses are
normalized: a 2xx yields a *Response, any other status an *HTTPError carrying
the decoded body, and a request that never got a response a *NetworkError
with a connectivity message.

A 401 from any endpoint ends the session: the store is cleared, a
sessionInvalidated event is published and the OnInvalidated callback runs,
whatever the caller then does with the returned error. Timeouts are network
failures and leave the session alone.

	t := transport.New(store,
		transport.WithBaseURL("https://api.example.com"),
		transport.OnInvalidated(func(inv transport.Invalidation) {
			// back to the login screen
		}),
	)

	var post Post
	err := t.Post(ctx, "/api/posts", NewPost{Title: "hi"}, &post)
	if errors.Is(err, transport.ErrUnauthorized) {
		// session already cleared
	}
*/
package transport
