package lib

import (
	"crypto/rand"
	"encoding/binary"
	"math"
	"net"
)

func SeqIncrement(seq uint16) uint16 {
	return seq + 1 // implicit modulo operation included
}

func SeqIncrementBy(seq, inc uint16) uint16 {
	return seq + inc // implicit modulo operation included
}

// seqDistance returns how far seq2 is ahead of seq1, modulo 65536.
func seqDistance(seq1, seq2 uint16) int {
	return int(seq2 - seq1)
}

// SEQ compare function with SEQ wraparound in mind
func isGreater(seq1, seq2 uint16) bool {
	if seq1 == seq2 {
		return false
	}
	// Calculate direct difference
	var diff, wrapdiff, distance int64
	diff = int64(seq1) - int64(seq2)
	if diff < 0 {
		diff = -diff
	}
	wrapdiff = int64(math.MaxUint16 + 1 - diff)

	// Choose the shorter distance
	if diff < wrapdiff {
		distance = diff
	} else {
		distance = wrapdiff
	}

	// Check if the first sequence number is "greater"
	return (distance+int64(seq2))%(math.MaxUint16+1) == int64(seq1)
}

// GenerateISN returns a random initial sequence number.
func GenerateISN() (uint16, error) {
	var isn uint16
	err := binary.Read(rand.Reader, binary.BigEndian, &isn)
	if err != nil {
		return 0, err
	}
	return isn, nil
}

// peerKey identifies a remote endpoint in session maps.
func peerKey(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
