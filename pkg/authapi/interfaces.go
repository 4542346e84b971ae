package authapi

import "git.sr.ht/~jakintosh/authsession/pkg/session"

// Compile-time check that *Client serves the session store.
var _ session.CSRFFetcher = (*Client)(nil)
var _ session.Refresher = (*Client)(nil)
