// Package gateway implements the Provider Gateway: uniform
// access to the two opaque external capabilities this system depends on,
// complete-text and search-web, with timeouts, retries, structured-output
// parsing, rate limiting, and a first-class mock mode.
//
// Every upstream component (Planner, Researcher, Evaluator, Writer) talks to
// providers exclusively through Gateway so that retries, timeouts, and
// schema repair live in exactly one place and every other component treats
// a provider call as a total function: it returns either a usable result or
// one of the typed errors in internal/apperrors.
//
// The gateway's transport for complete-text is internal/gateway/providers: a
// lean, prompt-in/text-out Client per provider SDK (Anthropic, OpenAI,
// Bedrock), each exposing the same request/response shape. There is no
// tool-call, image, document, or streaming support; this system never needs
// it. search-web is implemented directly against a generic JSON search HTTP
// contract.
package gateway
