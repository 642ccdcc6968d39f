package elements

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/runtime"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrNodeNotFound reports an identifier that no longer denotes a live element
// or could not be resolved over the target channel.
var ErrNodeNotFound = errors.New("node not found")

// DefaultResolveConcurrency bounds in-flight resolutions of one batch.
const DefaultResolveConcurrency = 4

// NodeDescriptor is the resolved metadata of a page element.
type NodeDescriptor struct {
	DevtoolsNodePath string `json:"devtoolsNodePath"`
	Selector         string `json:"selector"`
	NodeLabel        string `json:"nodeLabel"`
	Snippet          string `json:"snippet"`
	BoundingRect     Rect   `json:"boundingRect"`
}

// Resolver maps a backend node id to its descriptor with a single attempt.
type Resolver interface {
	Resolve(ctx context.Context, id cdp.BackendNodeID) (NodeDescriptor, error)
}

// describeNodeFunction runs in the page with `this` bound to the element.
const describeNodeFunction = `function describeNode() {
  const el = this.nodeType === Node.ELEMENT_NODE ? this : this.parentElement;
  const path = [];
  for (let n = this; n && n.parentNode; n = n.parentNode) {
    const idx = Array.prototype.indexOf.call(n.parentNode.childNodes, n);
    path.unshift(idx, n.nodeName);
  }
  const selector = [];
  for (let n = el; n && n.nodeType === Node.ELEMENT_NODE && n.localName !== 'html'; n = n.parentElement) {
    let part = n.localName;
    if (n.id) part += '#' + n.id;
    else if (n.classList && n.classList.length) part += '.' + Array.from(n.classList).slice(0, 2).join('.');
    selector.unshift(part);
    if (n.id || selector.length >= 4) break;
  }
  const label = el ? ((el.getAttribute('aria-label') || el.innerText || el.alt || '').trim().slice(0, 80) || el.localName) : '';
  const snippet = el ? el.outerHTML.replace(/>[\s\S]*$/, '>').slice(0, 500) : '';
  const r = el ? el.getBoundingClientRect() : {x: 0, y: 0, width: 0, height: 0};
  return {
    devtoolsNodePath: path.join(','),
    selector: selector.join(' > '),
    nodeLabel: label,
    snippet: snippet,
    boundingRect: {x: r.x, y: r.y, width: r.width, height: r.height},
  };
}`

// CDPResolver resolves nodes through a devtools protocol executor.
type CDPResolver struct {
	Executor cdp.Executor
}

// Resolve issues DOM.resolveNode then evaluates the descriptor function on the
// resolved object. Any failure is reported as ErrNodeNotFound.
func (r *CDPResolver) Resolve(ctx context.Context, id cdp.BackendNodeID) (NodeDescriptor, error) {
	ctx = cdp.WithExecutor(ctx, r.Executor)
	obj, err := dom.ResolveNode().WithBackendNodeID(id).Do(ctx)
	if err != nil {
		return NodeDescriptor{}, fmt.Errorf("%w: resolve node %d: %v", ErrNodeNotFound, id, err)
	}
	if obj == nil || obj.ObjectID == "" {
		return NodeDescriptor{}, fmt.Errorf("%w: node %d has no remote object", ErrNodeNotFound, id)
	}
	res, exc, err := runtime.CallFunctionOn(describeNodeFunction).
		WithObjectID(obj.ObjectID).
		WithReturnByValue(true).
		Do(ctx)
	if err != nil {
		return NodeDescriptor{}, fmt.Errorf("%w: describe node %d: %v", ErrNodeNotFound, id, err)
	}
	if exc != nil {
		return NodeDescriptor{}, fmt.Errorf("%w: describe node %d: %s", ErrNodeNotFound, id, exc.Text)
	}
	var d NodeDescriptor
	if res == nil || len(res.Value) == 0 {
		return NodeDescriptor{}, fmt.Errorf("%w: node %d returned no descriptor", ErrNodeNotFound, id)
	}
	if err := json.Unmarshal(res.Value, &d); err != nil {
		return NodeDescriptor{}, fmt.Errorf("%w: decode descriptor of node %d: %v", ErrNodeNotFound, id, err)
	}
	return d, nil
}

// StaticResolver serves descriptors from a snapshot taken earlier.
type StaticResolver map[cdp.BackendNodeID]NodeDescriptor

// Resolve implements Resolver.
func (s StaticResolver) Resolve(_ context.Context, id cdp.BackendNodeID) (NodeDescriptor, error) {
	d, ok := s[id]
	if !ok {
		return NodeDescriptor{}, fmt.Errorf("%w: node %d", ErrNodeNotFound, id)
	}
	return d, nil
}

// Result is the outcome of resolving one identifier.
type Result struct {
	NodeID     cdp.BackendNodeID
	Descriptor NodeDescriptor
	Err        error
}

// ResolveAll resolves ids with at most limit calls in flight. Results[i]
// always belongs to ids[i]; a failure never affects other entries. Repeated
// ids are resolved once and share the outcome.
func ResolveAll(ctx context.Context, r Resolver, ids []cdp.BackendNodeID, limit int) []Result {
	if limit <= 0 {
		limit = DefaultResolveConcurrency
	}
	var distinct []cdp.BackendNodeID
	slot := make(map[cdp.BackendNodeID]int)
	for _, id := range ids {
		if _, ok := slot[id]; !ok {
			slot[id] = len(distinct)
			distinct = append(distinct, id)
		}
	}

	outcomes := make([]Result, len(distinct))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, id := range distinct {
		i, id := i, id
		g.Go(func() error {
			d, err := r.Resolve(ctx, id)
			if err != nil {
				logrus.Debugf("could not resolve node %d: %v", id, err)
			}
			outcomes[i] = Result{NodeID: id, Descriptor: d, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	results := make([]Result, len(ids))
	for i, id := range ids {
		results[i] = outcomes[slot[id]]
	}
	return results
}
