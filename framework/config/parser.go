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

package config

import (
	"errors"
	"fmt"
	"io"
	"unicode"
)

// parseContext walks the token stream produced by tokenize. The cursor
// starts before the first token, the read methods advance it.
type parseContext struct {
	tokens  []token
	cursor  int
	nesting int

	fileLocation string
}

// next advances the cursor to the next token, ignoring line boundaries.
func (ctx *parseContext) next() bool {
	if ctx.cursor >= len(ctx.tokens)-1 {
		ctx.cursor = len(ctx.tokens)
		return false
	}
	ctx.cursor++
	return true
}

// nextArg advances the cursor only if the next token is located on the same
// line as the current one.
func (ctx *parseContext) nextArg() bool {
	if ctx.cursor < 0 || ctx.cursor >= len(ctx.tokens)-1 {
		return false
	}
	if ctx.tokens[ctx.cursor+1].line != ctx.tokens[ctx.cursor].line {
		return false
	}
	ctx.cursor++
	return true
}

// nextLine advances the cursor only if the next token is located on a
// different line than the current one.
func (ctx *parseContext) nextLine() bool {
	if ctx.cursor < 0 || ctx.cursor >= len(ctx.tokens)-1 {
		return false
	}
	if ctx.tokens[ctx.cursor+1].line == ctx.tokens[ctx.cursor].line {
		return false
	}
	ctx.cursor++
	return true
}

func (ctx *parseContext) val() string {
	if ctx.cursor < 0 || ctx.cursor >= len(ctx.tokens) {
		return ""
	}
	return ctx.tokens[ctx.cursor].text
}

func (ctx *parseContext) line() int {
	if ctx.cursor < 0 || ctx.cursor >= len(ctx.tokens) {
		if len(ctx.tokens) != 0 {
			return ctx.tokens[len(ctx.tokens)-1].line
		}
		return 0
	}
	return ctx.tokens[ctx.cursor].line
}

func (ctx *parseContext) file() string {
	if ctx.cursor < 0 || ctx.cursor >= len(ctx.tokens) {
		return ctx.fileLocation
	}
	return ctx.tokens[ctx.cursor].file
}

func (ctx *parseContext) err(f string, args ...interface{}) error {
	return fmt.Errorf("%s:%d: %s", ctx.file(), ctx.line(), fmt.Sprintf(f, args...))
}

func (ctx *parseContext) syntaxErr(expected string) error {
	return ctx.err("syntax error: unexpected token '%s', expected '%s'", ctx.val(), expected)
}

func validateNodeName(s string) error {
	if len(s) == 0 {
		return errors.New("empty directive name")
	}

	if unicode.IsDigit([]rune(s)[0]) {
		return errors.New("directive name cannot start with a digit")
	}

	allowedPunct := map[rune]bool{'.': true, '-': true, '_': true}

	for _, ch := range s {
		if !unicode.IsLetter(ch) &&
			!unicode.IsDigit(ch) &&
			!allowedPunct[ch] {
			return errors.New("character not allowed in directive name: " + string(ch))
		}
	}

	return nil
}

// readNode reads node starting at current token pointed by the lexer's
// cursor (it should point to node name).
//
// After readNode returns, the cursor will point to the last token of the
// parsed Node. This ensures predictable cursor location independently of the
// EOF state. Thus code reading multiple nodes should call readNode then
// manually advance cursor (ctx.next) and either call readNode again or stop
// because cursor hit EOF.
//
// readNode calls readNodes if currently parsed node is a block.
func (ctx *parseContext) readNode() (Node, error) {
	node := Node{}
	node.File = ctx.file()
	node.Line = ctx.line()

	if ctx.val() == "{" {
		return node, ctx.syntaxErr("block header")
	}

	node.Name = ctx.val()

	var continueOnLF bool
	for {
		for ctx.nextArg() || (continueOnLF && ctx.nextLine()) {
			continueOnLF = false
			// name arg0 arg1 {
			//              # ^ called when we hit this token
			//   c0
			//   c1
			// }
			if ctx.val() == "{" {
				var err error
				node.Children, err = ctx.readNodes()
				if err != nil {
					return node, err
				}
				break
			}

			node.Args = append(node.Args, ctx.val())
		}

		// Continue reading the same Node if the \ was used to escape the newline.
		// E.g.
		//   name arg0 arg1 \
		//     arg2 arg3
		if len(node.Args) != 0 && node.Args[len(node.Args)-1] == `\` {
			last := len(node.Args) - 1
			node.Args = node.Args[:last]
			continueOnLF = true
			continue
		}
		break
	}

	if err := validateNodeName(node.Name); err != nil {
		return node, err
	}

	return node, nil
}

// readNodes reads nodes from the currently parsed block.
//
// The cursor should point to the opening brace
// name arg0 arg1 {  #< this one
//   c0
//   c1
// }
//
// To stay consistent with readNode after this function returns the cursor
// points to the last token of the block (closing brace).
func (ctx *parseContext) readNodes() ([]Node, error) {
	// It is not 'var res []Node' because we want empty
	// but non-nil Children slice for empty braces.
	res := []Node{}

	if ctx.nesting > 255 {
		return res, ctx.err("nesting limit reached")
	}

	ctx.nesting++

	var requireNewLine bool
	// This loop iterates over logical lines, where a logical line is either a
	// plain directive, a block header together with the block body, or a
	// directive continued onto the next physical line with a trailing \.
	for {
		if requireNewLine {
			if !ctx.nextLine() {
				// If we can't advance cursor even without line constraint -
				// that's EOF.
				if !ctx.next() {
					return res, nil
				}
				return res, ctx.err("newline is required after closing brace")
			}
		} else if !ctx.next() {
			break
		}

		// name arg0 arg1 {
		//   c0
		//   c1
		// }
		// ^ called when we hit } on separate line,
		// this means we hit the end of our block.
		if ctx.val() == "}" {
			ctx.nesting--
			if ctx.nesting < 0 {
				return res, ctx.err("unexpected }")
			}
			break
		}
		node, err := ctx.readNode()
		if err != nil {
			return res, err
		}
		requireNewLine = true

		shouldStop := false

		// name arg0 arg1 {
		//   c1 c2 }
		//         ^
		// Edge case, here we check if the last argument of the last node is a }
		// If it is - we stop as we hit the end of our block.
		if len(node.Args) != 0 && node.Args[len(node.Args)-1] == "}" {
			ctx.nesting--
			if ctx.nesting < 0 {
				return res, ctx.err("unexpected }")
			}
			node.Args = node.Args[:len(node.Args)-1]
			shouldStop = true
		}

		res = append(res, node)
		if shouldStop {
			break
		}
	}
	return res, nil
}

func readTree(r io.Reader, location string) ([]Node, error) {
	tokens, err := tokenize(r, location)
	if err != nil {
		return nil, err
	}

	ctx := parseContext{
		tokens:       tokens,
		cursor:       -1,
		nesting:      -1,
		fileLocation: location,
	}

	root := Node{}
	root.File = location
	root.Line = 1
	// Before parsing starts the cursor points to the non-existent token
	// before the first one. From readNodes viewpoint this is opening brace
	// so we don't break any requirements here.
	//
	// For the same reason we use -1 as a starting nesting. So readNodes will
	// see this as it is reading block at nesting level 0.
	root.Children, err = ctx.readNodes()
	if err != nil {
		return root.Children, err
	}

	// There is no need to check ctx.nesting < 0 because it is checked by readNodes.
	if ctx.nesting > 0 {
		return root.Children, ctx.err("unexpected EOF when looking for }")
	}

	return root.Children, nil
}
