package humastar

import (
	"fmt"
	"slices"
	"strings"

	"github.com/danielgtaylor/huma/v2"
)

// EntryPoint is the path that links to every other resource.
const EntryPoint = "/health"

// Links holds the RFC 8288 Link header values of each operation path.
type Links map[string][]string

// AutoLinks walks the OpenAPI spec and generates hypermedia links: the entry
// point links to every readable resource, every resource links back up to
// the entry point, and resources sharing a tag link to each other. Call after
// all routes are registered.
func AutoLinks(api huma.API) Links {
	oapi := api.OpenAPI()
	links := Links{}

	paths := make([]string, 0, len(oapi.Paths))
	for p := range oapi.Paths {
		paths = append(paths, p)
	}
	slices.Sort(paths)

	for _, p := range paths {
		pi := oapi.Paths[p]
		if p == EntryPoint {
			continue
		}
		if pi.Get != nil && !isStream(pi.Get) {
			links.add(EntryPoint, p, lastSegment(p))
		}
		links.add(p, EntryPoint, "up")

		tags := primaryTags(pi)
		for _, q := range paths {
			if q == p || q == EntryPoint || oapi.Paths[q].Get == nil {
				continue
			}
			if sharedTag(tags, primaryTags(oapi.Paths[q])) {
				links.add(p, q, lastSegment(q))
			}
		}
	}
	links.add(EntryPoint, "/openapi.json", "service-desc")
	links.add(EntryPoint, "/docs", "service-doc")

	for p, pi := range oapi.Paths {
		for _, op := range operationsOf(pi) {
			if op != nil {
				injectResponseLinks(op, links[p])
			}
		}
	}
	return links
}

// Transformer returns a Huma Transformer that injects the generated Link
// headers, plus pagination and action links taken from the response body.
func (l Links) Transformer() huma.Transformer {
	return func(ctx huma.Context, status string, v any) (any, error) {
		op := ctx.Operation()
		if op == nil {
			return v, nil
		}

		for _, link := range l[op.Path] {
			ctx.AppendHeader("Link", link)
		}

		if p, ok := v.(Pager); ok {
			for _, link := range p.PaginationLinks(ctx.URL().Path) {
				ctx.AppendHeader("Link", link)
			}
		}

		if a, ok := v.(Actor); ok {
			for _, action := range a.Actions() {
				ctx.AppendHeader("Link", action.LinkHeader())
			}
		}

		return v, nil
	}
}

// --- helpers ---

func (l Links) add(from, to, rel string) {
	val := fmt.Sprintf(`<%s>; rel="%s"`, to, rel)
	if !slices.Contains(l[from], val) {
		l[from] = append(l[from], val)
	}
}

func primaryTags(pi *huma.PathItem) []string {
	for _, op := range operationsOf(pi) {
		if op != nil && len(op.Tags) > 0 {
			return op.Tags
		}
	}
	return nil
}

func operationsOf(pi *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{pi.Get, pi.Post, pi.Put, pi.Patch, pi.Delete}
}

func isStream(op *huma.Operation) bool {
	for code, r := range op.Responses {
		if !strings.HasPrefix(code, "2") || r.Content == nil {
			continue
		}
		if _, ok := r.Content["text/event-stream"]; ok {
			return true
		}
	}
	return false
}

func sharedTag(a, b []string) bool {
	for _, t := range a {
		if slices.Contains(b, t) {
			return true
		}
	}
	return false
}

func lastSegment(p string) string {
	parts := strings.Split(strings.TrimRight(p, "/"), "/")
	return parts[len(parts)-1]
}

// injectResponseLinks adds OpenAPI Link objects to the operation's success
// response so the OpenAPI document lists the relationships.
func injectResponseLinks(op *huma.Operation, headers []string) {
	if op.Responses == nil || len(headers) == 0 {
		return
	}
	var resp *huma.Response
	for code, r := range op.Responses {
		if strings.HasPrefix(code, "2") {
			resp = r
			break
		}
	}
	if resp == nil {
		return
	}
	if resp.Links == nil {
		resp.Links = map[string]*huma.Link{}
	}
	for _, h := range headers {
		rel, href := parseLinkHeader(h)
		if rel == "" {
			continue
		}
		resp.Links[rel] = &huma.Link{
			OperationRef: href,
			Description:  fmt.Sprintf("Related: %s", rel),
		}
	}
}

func parseLinkHeader(h string) (rel, href string) {
	// `<url>; rel="name"`
	parts := strings.SplitN(h, ";", 2)
	if len(parts) < 2 {
		return "", ""
	}
	href = strings.Trim(strings.TrimSpace(parts[0]), "<>")
	relPart := strings.TrimSpace(parts[1])
	if strings.HasPrefix(relPart, `rel="`) {
		rel = strings.Trim(relPart[4:], `"`)
	}
	return rel, href
}
