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

package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	verdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "postconfirm",
			Subsystem: "engine",
			Name:      "verdicts",
			Help:      "Messages decided, by verdict",
		},
		[]string{"verdict"},
	)
	stashedMsgs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "postconfirm",
			Subsystem: "engine",
			Name:      "stashed_messages",
			Help:      "Messages stashed pending sender confirmation",
		},
	)
	challengesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "postconfirm",
			Subsystem: "engine",
			Name:      "challenges_sent",
			Help:      "Challenge mails handed to the relay",
		},
	)
	releasedMsgs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "postconfirm",
			Subsystem: "engine",
			Name:      "released_messages",
			Help:      "Stashed messages released after confirmation",
		},
	)
	releaseErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "postconfirm",
			Subsystem: "engine",
			Name:      "release_errors",
			Help:      "Release attempts that failed and left messages stashed",
		},
	)
	storeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "postconfirm",
			Subsystem: "engine",
			Name:      "store_errors",
			Help:      "Sender lookups that failed and were treated as unknown",
		},
	)
)

func init() {
	prometheus.MustRegister(verdicts)
	prometheus.MustRegister(stashedMsgs)
	prometheus.MustRegister(challengesSent)
	prometheus.MustRegister(releasedMsgs)
	prometheus.MustRegister(releaseErrors)
	prometheus.MustRegister(storeErrors)
}
