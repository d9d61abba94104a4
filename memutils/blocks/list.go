package blocks

import "github.com/cockroachdb/errors"

// superBlockList is an intrusive doubly-linked list threaded through SuperBlock.prev/next
type superBlockList struct {
	head  *SuperBlock
	tail  *SuperBlock
	count int
}

func (l *superBlockList) pushFront(sb *SuperBlock) {
	if sb.prev != nil || sb.next != nil || l.head == sb {
		panic("superblock is already linked into a list")
	}

	sb.next = l.head
	if l.head != nil {
		l.head.prev = sb
	} else {
		l.tail = sb
	}
	l.head = sb
	l.count++
}

func (l *superBlockList) remove(sb *SuperBlock) {
	if sb.prev != nil {
		sb.prev.next = sb.next
	} else {
		if l.head != sb {
			panic("superblock is not linked into this list")
		}
		l.head = sb.next
	}

	if sb.next != nil {
		sb.next.prev = sb.prev
	} else {
		l.tail = sb.prev
	}

	sb.prev = nil
	sb.next = nil
	l.count--
}

func (l *superBlockList) popFront() *SuperBlock {
	sb := l.head
	if sb != nil {
		l.remove(sb)
	}
	return sb
}

func (l *superBlockList) validate() error {
	count := 0
	var prev *SuperBlock
	for sb := l.head; sb != nil; sb = sb.next {
		if sb.prev != prev {
			return errors.Newf("superblock %s has a broken back link", sb.span)
		}
		prev = sb
		count++
		if count > l.count {
			break
		}
	}

	if l.tail != prev {
		return errors.New("superblock list tail does not match its last element")
	}
	if count != l.count {
		return errors.Newf("superblock list holds %d superblocks but counts %d", count, l.count)
	}
	return nil
}
