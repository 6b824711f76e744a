package coordinator

import (
	"slices"

	"github.com/koopa0/system-design/mw-server/internal/protocol"
	"github.com/koopa0/system-design/mw-server/internal/registry"
)

func (c *Coordinator) listMatches(in ListMatches) {
	c.mu.Lock()
	c.addSubscriberLocked(in.SessionID)
	list := c.matchListLocked()
	c.mu.Unlock()

	c.sendTo([]int32{in.SessionID}, list)
	c.logger.Debug("已訂閱房間列表", "session_id", in.SessionID)
}

func (c *Coordinator) unsubscribe(in Unsubscribe) {
	c.mu.Lock()
	c.removeSubscriberLocked(in.SessionID)
	c.mu.Unlock()

	c.logger.Debug("已取消訂閱房間列表", "session_id", in.SessionID)
}

func (c *Coordinator) createMatch(in CreateMatch) {
	creator, ok := c.dir.Find(in.SessionID)
	if !ok {
		c.logger.Warn("未知會話嘗試創建房間", "session_id", in.SessionID)
		return
	}
	if creator.RoomID != registry.NoRoom {
		c.removeMember(creator.RoomID, in.SessionID)
	}

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.matches[id] = &Match{
		ID:      id,
		OwnerID: in.SessionID,
		Name:    in.Name,
		Members: []int32{in.SessionID},
	}
	c.order = append(c.order, id)
	c.mu.Unlock()

	c.setRoom(in.SessionID, id, false)
	c.sendTo([]int32{in.SessionID}, protocol.MatchCreated{ID: id, OwnerID: in.SessionID, RoomName: in.Name})
	c.broadcastList()

	c.logger.Info("房間已創建",
		"room_id", id,
		"owner_id", in.SessionID,
		"name", in.Name)
	c.notify(ChangeCreated, id, in.SessionID)
}

func (c *Coordinator) joinMatch(in JoinMatch) {
	m, ok := c.matches[in.RoomID]
	if !ok {
		c.logger.Warn("加入不存在的房間", "session_id", in.SessionID, "room_id", in.RoomID)
		return
	}
	joiner, ok := c.dir.Find(in.SessionID)
	if !ok {
		c.logger.Warn("未知會話嘗試加入房間", "session_id", in.SessionID, "room_id", in.RoomID)
		return
	}
	if slices.Contains(m.Members, in.SessionID) {
		c.logger.Warn("會話已在房間中", "session_id", in.SessionID, "room_id", in.RoomID)
		return
	}
	if joiner.RoomID != registry.NoRoom && joiner.RoomID != in.RoomID {
		c.removeMember(joiner.RoomID, in.SessionID)
	}

	c.mu.Lock()
	c.removeSubscriberLocked(in.SessionID)
	existing := slices.Clone(m.Members)
	m.Members = append(m.Members, in.SessionID)
	c.mu.Unlock()

	c.setRoom(in.SessionID, in.RoomID, m.Started)

	// 新成員收到每位既有成員各一則，既有成員各收到一則關於新成員的通知
	peers := c.dir.Peers(existing)
	self := c.dir.Peers([]int32{in.SessionID})
	for _, p := range peers {
		c.send(self, protocol.MatchJoined{ID: in.RoomID, UserID: p.ID, UserName: p.Name, RoomName: m.Name})
	}
	c.send(peers, protocol.MatchJoined{ID: in.RoomID, UserID: joiner.ID, UserName: joiner.Name, RoomName: m.Name})

	c.logger.Info("玩家加入房間",
		"room_id", in.RoomID,
		"session_id", in.SessionID,
		"members", len(existing)+1)
	c.notify(ChangeJoined, in.RoomID, in.SessionID)
}

func (c *Coordinator) deleteMatch(in DeleteMatch) {
	m, ok := c.matches[in.RoomID]
	if !ok {
		c.logger.Warn("刪除不存在的房間", "session_id", in.SessionID, "room_id", in.RoomID)
		return
	}
	if c.opts.Policy.EnforceOwner && m.OwnerID != in.SessionID {
		c.logger.Warn("拒絕非房主刪除房間",
			"session_id", in.SessionID,
			"room_id", in.RoomID,
			"owner_id", m.OwnerID)
		return
	}

	members := c.dropMatch(in.RoomID)

	others := slices.DeleteFunc(slices.Clone(members), func(id int32) bool { return id == in.SessionID })
	c.sendTo(others, protocol.MatchDeleted{})
	c.broadcastList()

	for _, id := range members {
		c.clearRoom(id, in.RoomID)
	}
	c.clearRoom(in.SessionID, in.RoomID)

	c.logger.Info("房間已刪除",
		"room_id", in.RoomID,
		"session_id", in.SessionID,
		"notified", len(others))
	c.notify(ChangeDeleted, in.RoomID, in.SessionID)
}

func (c *Coordinator) leaveMatch(in LeaveMatch) {
	m, ok := c.matches[in.RoomID]
	if !ok || !slices.Contains(m.Members, in.SessionID) {
		c.logger.Warn("離開未加入的房間",
			"session_id", in.SessionID,
			"room_id", in.RoomID)
		c.clearRoom(in.SessionID, in.RoomID)
		return
	}

	leaver, _ := c.dir.Find(in.SessionID)
	remaining := c.removeMember(in.RoomID, in.SessionID)
	c.clearRoom(in.SessionID, in.RoomID)
	c.sendTo(remaining, protocol.MatchLeaved{UserID: in.SessionID, UserName: leaver.Name})

	c.logger.Info("玩家離開房間",
		"room_id", in.RoomID,
		"session_id", in.SessionID,
		"remaining", len(remaining))
	c.notify(ChangeLeft, in.RoomID, in.SessionID)

	if len(remaining) == 0 && c.opts.Policy.AutoDeleteEmpty {
		c.autoDelete(in.RoomID)
	}
}

func (c *Coordinator) startMatch(in StartMatch) {
	m, ok := c.matches[in.RoomID]
	if !ok {
		c.logger.Warn("開始不存在的房間", "session_id", in.SessionID, "room_id", in.RoomID)
		return
	}
	if c.opts.Policy.EnforceOwner && m.OwnerID != in.SessionID {
		c.logger.Warn("拒絕非房主開始房間",
			"session_id", in.SessionID,
			"room_id", in.RoomID,
			"owner_id", m.OwnerID)
		return
	}

	c.mu.Lock()
	m.Started = true
	m.Map = in.Map
	members := slices.Clone(m.Members)
	c.mu.Unlock()

	for _, id := range members {
		c.dir.Update(id, func(s *registry.Session) { s.InGame = true })
	}

	others := slices.DeleteFunc(slices.Clone(members), func(id int32) bool { return id == in.SessionID })
	c.sendTo(others, protocol.StartMatch{RoomID: in.RoomID, Map: in.Map})
	c.broadcastList()

	c.logger.Info("房間已開始",
		"room_id", in.RoomID,
		"map", in.Map,
		"members", len(members))
	c.notify(ChangeStarted, in.RoomID, in.SessionID)
}

func (c *Coordinator) disconnected(in Disconnected) {
	info, found := c.dir.Remove(in.SessionID)

	c.mu.Lock()
	c.removeSubscriberLocked(in.SessionID)
	c.mu.Unlock()

	var rooms []int32
	for _, id := range c.order {
		if slices.Contains(c.matches[id].Members, in.SessionID) {
			rooms = append(rooms, id)
		}
	}

	for _, room := range rooms {
		remaining := c.removeMember(room, in.SessionID)
		if c.opts.Policy.NotifyDisconnect {
			c.sendTo(remaining, protocol.MatchLeaved{UserID: in.SessionID, UserName: info.Name})
		}
		if len(remaining) == 0 && c.opts.Policy.AutoDeleteEmpty {
			c.autoDelete(room)
		} else if c.opts.Policy.NotifyDisconnect {
			c.broadcastList()
		}
	}

	c.logger.Info("會話已斷線",
		"session_id", in.SessionID,
		"name", info.Name,
		"registered", found,
		"rooms", len(rooms))
	c.notify(ChangeDisconnected, info.RoomID, in.SessionID)
}

// autoDelete 刪除已清空的房間
func (c *Coordinator) autoDelete(room int32) {
	c.dropMatch(room)
	c.broadcastList()

	c.logger.Info("空房間已刪除", "room_id", room)
	c.notify(ChangeDeleted, room, registry.NoRoom)
}

// dropMatch 從房間表移除並返回成員
func (c *Coordinator) dropMatch(room int32) []int32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.matches[room]
	if !ok {
		return nil
	}
	delete(c.matches, room)
	c.order = slices.DeleteFunc(c.order, func(id int32) bool { return id == room })
	return m.Members
}

// removeMember 移除成員並返回剩餘成員
func (c *Coordinator) removeMember(room, session int32) []int32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.matches[room]
	if !ok {
		return nil
	}
	m.Members = slices.DeleteFunc(m.Members, func(id int32) bool { return id == session })
	return slices.Clone(m.Members)
}

func (c *Coordinator) setRoom(session, room int32, inGame bool) {
	c.dir.Update(session, func(s *registry.Session) {
		s.RoomID = room
		s.InGame = inGame
	})
}

// clearRoom 只在會話仍指向該房間時清除
func (c *Coordinator) clearRoom(session, room int32) {
	c.dir.Update(session, func(s *registry.Session) {
		if s.RoomID == room {
			s.RoomID = registry.NoRoom
			s.InGame = false
		}
	})
}

func (c *Coordinator) addSubscriberLocked(id int32) {
	if !slices.Contains(c.subscribers, id) {
		c.subscribers = append(c.subscribers, id)
	}
}

func (c *Coordinator) removeSubscriberLocked(id int32) {
	c.subscribers = slices.DeleteFunc(c.subscribers, func(s int32) bool { return s == id })
}

func (c *Coordinator) matchListLocked() protocol.MatchList {
	list := protocol.MatchList{Matches: make([]protocol.MatchEntry, 0, len(c.order))}
	for _, id := range c.order {
		m := c.matches[id]
		list.Matches = append(list.Matches, protocol.MatchEntry{
			ID:      m.ID,
			Name:    m.Name,
			Players: int32(len(m.Members)),
		})
	}
	return list
}

// broadcastList 將目前房間列表送給所有訂閱者
func (c *Coordinator) broadcastList() {
	c.mu.RLock()
	subscribers := slices.Clone(c.subscribers)
	list := c.matchListLocked()
	c.mu.RUnlock()

	if len(subscribers) == 0 {
		return
	}
	c.sendTo(subscribers, list)
}

func (c *Coordinator) sendTo(ids []int32, msg protocol.Message) {
	if len(ids) == 0 {
		return
	}
	c.send(c.dir.Peers(ids), msg)
}

func (c *Coordinator) send(peers []registry.Peer, msg protocol.Message) {
	if len(peers) == 0 {
		return
	}
	if failed := c.dir.SendSnapshot(peers, protocol.EncodeFrame(msg)); len(failed) > 0 {
		c.logger.Warn("部分通知發送失敗",
			"message", msg.Tag().String(),
			"failed", len(failed),
			"recipients", len(peers))
	}
}
