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

package milter

import "github.com/prometheus/client_golang/prometheus"

var (
	acceptedConnections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "postconfirm",
			Subsystem: "milter",
			Name:      "connections",
			Help:      "Amount of milter connections accepted from the MTA",
		},
	)
	tempFailedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "postconfirm",
			Subsystem: "milter",
			Name:      "tempfailed_messages",
			Help:      "Messages answered with a temporary failure (oversized or malformed milter conversations)",
		},
	)
	limitedMessages = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "postconfirm",
			Subsystem: "milter",
			Name:      "limited_messages",
			Help:      "Messages delayed with a temporary failure because a rate or concurrency limit was hit",
		},
	)
)

func init() {
	prometheus.MustRegister(acceptedConnections)
	prometheus.MustRegister(tempFailedMessages)
	prometheus.MustRegister(limitedMessages)
}
