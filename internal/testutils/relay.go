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

package testutils

import (
	"context"
	"io"
	"sync"
)

// RelayedMsg is one message the test relay was asked to send.
type RelayedMsg struct {
	From  string
	Rcpts []string
	Body  []byte
}

// Relay captures Sendmail calls instead of talking SMTP.
type Relay struct {
	sync.Mutex
	Messages []RelayedMsg

	// Fail, when set, is returned by Sendmail. FailAfter lets that many
	// calls through first.
	Fail      error
	FailAfter int
}

func (r *Relay) Sendmail(_ context.Context, from string, rcpts []string, msg io.Reader) error {
	r.Lock()
	defer r.Unlock()

	if r.Fail != nil {
		if r.FailAfter == 0 {
			return r.Fail
		}
		r.FailAfter--
	}

	body, err := io.ReadAll(msg)
	if err != nil {
		return err
	}
	r.Messages = append(r.Messages, RelayedMsg{
		From:  from,
		Rcpts: append([]string(nil), rcpts...),
		Body:  body,
	})
	return nil
}

func (r *Relay) Close() error {
	return nil
}
