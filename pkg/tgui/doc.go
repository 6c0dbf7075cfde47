// Package tgui builds chat replies for Telegram's HTML parse mode.
//
// Values of type H are already escaped; everything else passed to the
// builder is escaped on the way in.
package tgui
