// Package channels forwards finished agent responses to external
// messaging destinations.
//
// A Channel delivers text to a target inside one destination system, for
// example a Matrix room. The Registry maps channel ids to channels; the
// gateway looks channels up by the id a caller names in its deliver
// block or send request.
package channels
