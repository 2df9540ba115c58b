/*
Postconfirm - Challenge/response mail confirmation daemon.
Copyright © 2023-2024 The postconfirm developers

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package limits restricts the concurrency and rate of message processing,
// globally and per sender domain.
//
// Limits are attached to the pipeline stage they gate: the decision stage
// is charged once per message, the stash-and-challenge stage is charged
// separately so that a burst of unknown senders does not turn into a burst
// of outbound confirmation requests.
//
// Sender domains are expected to be normalized by the caller.
package limits

import (
	"context"
	"strconv"
	"time"

	"github.com/ietf-svn-conversion/postconfirm/framework/config"
)

// The L interface represents a blocking limiter that has some upper bound
// of resource use and blocks when it is exceeded until enough resources
// are freed.
type L interface {
	TakeContext(context.Context) error
	Release()

	// Close frees any resources used internally by the limiter for
	// book-keeping.
	Close()
}

// Senders come and go, the per-domain buckets are reaped once idle for a
// minute. The cap exists so a localpart-rotating flood cannot grow the
// bucket map without bound.
const (
	senderReapInterval = 1 * time.Minute
	maxSenderBuckets   = 10000
)

// Group is the set of limits from one 'limits' configuration block. The
// zero value imposes no limits.
type Group struct {
	// Timeout is how long a single take may block before the message is
	// given up on. Zero means 5 seconds.
	Timeout time.Duration

	global MultiLimit
	sender *BucketSet // BucketSet of MultiLimit
	stash  MultiLimit
}

// FromNode builds a limits group from the children of a 'limits'
// configuration block.
//
// Each child names a scope, followed by a limit kind and its arguments:
//
//	limits {
//	    all rate 20 1s
//	    all concurrency 16
//	    sender rate 10 1m
//	    stash concurrency 4
//	}
//
// The 'all' and 'sender' scopes gate the per-message decision, globally
// and keyed by the sender domain. The 'stash' scope gates how fast held
// messages are written out and challenges are emitted.
func FromNode(node config.Node) (*Group, error) {
	if len(node.Args) != 0 {
		return nil, config.NodeErr(node, "unexpected arguments")
	}

	var (
		globalL []L
		senderL []func() L
		stashL  []L
	)

	for _, child := range node.Children {
		if len(child.Args) < 2 {
			return nil, config.NodeErr(child, "expected a limit kind and its arguments")
		}

		var (
			ctor func() L
			err  error
		)
		switch kind := child.Args[0]; kind {
		case "rate":
			ctor, err = rateCtor(child, child.Args[1:])
		case "concurrency":
			ctor, err = concurrencyCtor(child, child.Args[1:])
		default:
			return nil, config.NodeErr(child, "unknown limit kind: %v", kind)
		}
		if err != nil {
			return nil, err
		}

		switch scope := child.Name; scope {
		case "all":
			globalL = append(globalL, ctor())
		case "sender":
			senderL = append(senderL, ctor)
		case "stash":
			stashL = append(stashL, ctor())
		default:
			return nil, config.NodeErr(child, "unknown limit scope: %v", scope)
		}
	}

	g := &Group{
		global: MultiLimit{Wrapped: globalL},
		stash:  MultiLimit{Wrapped: stashL},
	}
	if len(senderL) != 0 {
		g.sender = NewBucketSet(func() L {
			l := make([]L, 0, len(senderL))
			for _, ctor := range senderL {
				l = append(l, ctor())
			}
			return &MultiLimit{Wrapped: l}
		}, senderReapInterval, maxSenderBuckets)
	}
	return g, nil
}

func rateCtor(node config.Node, args []string) (func() L, error) {
	period := 1 * time.Second
	burst := 0

	switch len(args) {
	case 2:
		var err error
		period, err = time.ParseDuration(args[1])
		if err != nil {
			return nil, config.NodeErr(node, "%v", err)
		}
		if period <= 0 {
			return nil, config.NodeErr(node, "period must be positive")
		}
		fallthrough
	case 1:
		var err error
		burst, err = strconv.Atoi(args[0])
		if err != nil {
			return nil, config.NodeErr(node, "%v", err)
		}
		if burst < 0 {
			return nil, config.NodeErr(node, "burst size cannot be negative")
		}
	case 0:
		return nil, config.NodeErr(node, "at least burst size is needed")
	default:
		return nil, config.NodeErr(node, "too many arguments")
	}

	return func() L {
		return NewRate(burst, period)
	}, nil
}

func concurrencyCtor(node config.Node, args []string) (func() L, error) {
	if len(args) != 1 {
		return nil, config.NodeErr(node, "max concurrency value is needed")
	}
	max, err := strconv.Atoi(args[0])
	if err != nil {
		return nil, config.NodeErr(node, "%v", err)
	}
	if max < 0 {
		return nil, config.NodeErr(node, "max concurrency cannot be negative")
	}
	return func() L {
		return NewSemaphore(max)
	}, nil
}

func (g *Group) takeTimeout() time.Duration {
	if g.Timeout != 0 {
		return g.Timeout
	}
	return 5 * time.Second
}

// TakeMsg acquires the decision-stage limits for one message. Each
// successful call must be paired with a ReleaseMsg call with the same
// sender domain.
func (g *Group) TakeMsg(ctx context.Context, senderDomain string) error {
	ctx, cancel := context.WithTimeout(ctx, g.takeTimeout())
	defer cancel()

	if err := g.global.TakeContext(ctx); err != nil {
		return err
	}
	if g.sender != nil {
		if err := g.sender.TakeContext(ctx, senderDomain); err != nil {
			g.global.Release()
			return err
		}
	}
	return nil
}

func (g *Group) ReleaseMsg(senderDomain string) {
	g.global.Release()
	if g.sender != nil {
		g.sender.Release(senderDomain)
	}
}

// TakeStash acquires the stash-stage limits, gating how fast messages are
// held and challenges go out. Pair with ReleaseStash.
func (g *Group) TakeStash(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, g.takeTimeout())
	defer cancel()
	return g.stash.TakeContext(ctx)
}

func (g *Group) ReleaseStash() {
	g.stash.Release()
}

// Close frees the book-keeping resources of all limiters in the group.
// Pending takes fail once it is called.
func (g *Group) Close() {
	g.global.Close()
	g.stash.Close()
	if g.sender != nil {
		g.sender.Close()
	}
}
